// Package models defines data structures shared by the driver and its host.
package models

import (
	"fmt"
	"sort"
	"time"
)

// DateGoal pairs an ISO calendar date with the number of items to complete on it.
type DateGoal struct {
	Date string `json:"date" toml:"date"`
	Goal int    `json:"goal" toml:"goal"`
}

// RunConfig is the immutable input of one run.
type RunConfig struct {
	Items               []string
	Dates               []DateGoal
	Delay               time.Duration
	StartItemIndex      int
	StartDateIndex      int
	PreviouslyProcessed []string
}

// HostConfig is the shape the host UI submits when starting a run.
type HostConfig struct {
	Items               []string       `json:"items"`
	Dates               []string       `json:"dates"`
	DelayMs             int            `json:"delayMs"`
	DateGoals           map[string]int `json:"dateGoals"`
	PreviouslyProcessed []string       `json:"previouslyProcessed"`
	StartItemIndex      int            `json:"startItemIndex,omitempty"`
	StartDateIndex      int            `json:"startDateIndex,omitempty"`
}

// RunConfig converts the host shape, defaulting a missing date goal to the item count.
func (h HostConfig) RunConfig() RunConfig {
	dates := make([]DateGoal, 0, len(h.Dates))
	for _, date := range h.Dates {
		goal, ok := h.DateGoals[date]
		if !ok {
			goal = len(h.Items)
		}
		dates = append(dates, DateGoal{Date: date, Goal: goal})
	}

	items := make([]string, len(h.Items))
	copy(items, h.Items)
	processed := make([]string, len(h.PreviouslyProcessed))
	copy(processed, h.PreviouslyProcessed)

	return RunConfig{
		Items:               items,
		Dates:               dates,
		Delay:               time.Duration(h.DelayMs) * time.Millisecond,
		StartItemIndex:      h.StartItemIndex,
		StartDateIndex:      h.StartDateIndex,
		PreviouslyProcessed: processed,
	}
}

// Phase is the lifecycle position of a driver.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhasePaused
	PhaseStopped
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseStopped:
		return "stopped"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText lets phases appear by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseIdle; candidate <= PhaseCompleted; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Active reports whether a run owns the driver in this phase.
func (p Phase) Active() bool {
	return p == PhaseRunning || p == PhasePaused
}

// RunState is a snapshot of the driver's mutable state.
type RunState struct {
	Phase            Phase    `json:"phase"`
	RunID            string   `json:"runId,omitempty"`
	CurrentDateIndex int      `json:"currentDateIndex"`
	CurrentItemIndex int      `json:"currentItemIndex"`
	CurrentItem      string   `json:"currentItem,omitempty"`
	CurrentDate      string   `json:"currentDate,omitempty"`
	Done             int      `json:"done"`
	Goal             int      `json:"goal"`
	Percent          int      `json:"percent"`
	Processed        []string `json:"processed"`
	SuccessCount     int      `json:"successCount"`
	ErrorCount       int      `json:"errorCount"`
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID        string
	Phase        Phase
	StartTime    time.Time
	EndTime      time.Time
	SuccessCount int
	ErrorCount   int
	Processed    []string
	Failed       []string
	ErrorsByType map[string]int
}

// Duration returns how long the run took.
func (r *RunResult) Duration() time.Duration {
	if r == nil || r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// SortedSet returns the members of set in lexical order.
func SortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
