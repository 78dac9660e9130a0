package models

// Settings is the host-side state persisted between sessions.
type Settings struct {
	Dates        []string       `json:"dates"`
	DateGoals    map[string]int `json:"dateGoals"`
	DelayMs      int            `json:"delayMs"`
	DateIndex    int            `json:"dateIndex"`
	LastProgress *ProgressEvent `json:"progress,omitempty"`
}

// DefaultDelayMs matches the delay the form tolerates without dropping input.
const DefaultDelayMs = 1200

// DefaultSettings returns empty settings with the default delay.
func DefaultSettings() Settings {
	return Settings{
		Dates:     []string{},
		DateGoals: map[string]int{},
		DelayMs:   DefaultDelayMs,
	}
}
