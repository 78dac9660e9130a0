package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status labels a progress event.
type Status string

const (
	StatusIdle        Status = "Idle"
	StatusSettingDate Status = "Setting date"
	StatusProcessing  Status = "Processing"
	StatusSuccess     Status = "Success"
	StatusError       Status = "Error"
	StatusPaused      Status = "Paused"
	StatusStopped     Status = "Stopped"
	StatusNextDate    Status = "Next date"
	StatusCompleted   Status = "Completed"
)

// ProgressMessageType is the fixed "type" field of every progress message.
const ProgressMessageType = "PROGRESS"

var knownStatuses = map[Status]struct{}{
	StatusIdle:        {},
	StatusSettingDate: {},
	StatusProcessing:  {},
	StatusSuccess:     {},
	StatusError:       {},
	StatusPaused:      {},
	StatusStopped:     {},
	StatusNextDate:    {},
	StatusCompleted:   {},
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// ProgressEvent is one observable state change of a run.
type ProgressEvent struct {
	RunID        string
	Status       Status
	Done         int
	Total        int
	CurrentItem  string
	CurrentDate  string
	Detail       string
	Timestamp    time.Time
	SuccessCount int
	ErrorCount   int
}

type progressMessage struct {
	Type         string  `json:"type"`
	Status       Status  `json:"status"`
	Done         int     `json:"done"`
	Total        int     `json:"total"`
	CurrentItem  *string `json:"currentNumber"`
	CurrentDate  string  `json:"currentDate"`
	Timestamp    int64   `json:"timestamp"`
	ErrorCount   int     `json:"errorCount"`
	SuccessCount int     `json:"successCount"`
	RunID        string  `json:"runId,omitempty"`
	Detail       string  `json:"detail,omitempty"`
}

// MarshalJSON renders the event in the host's PROGRESS message shape.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	msg := progressMessage{
		Type:         ProgressMessageType,
		Status:       e.Status,
		Done:         e.Done,
		Total:        e.Total,
		CurrentDate:  e.CurrentDate,
		Timestamp:    e.Timestamp.UnixMilli(),
		ErrorCount:   e.ErrorCount,
		SuccessCount: e.SuccessCount,
		RunID:        e.RunID,
		Detail:       e.Detail,
	}
	if e.CurrentItem != "" {
		item := e.CurrentItem
		msg.CurrentItem = &item
	}
	return json.Marshal(msg)
}

// UnmarshalJSON accepts the PROGRESS message shape.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var msg progressMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Type != "" && msg.Type != ProgressMessageType {
		return fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if !msg.Status.Valid() {
		return fmt.Errorf("unknown progress status %q", msg.Status)
	}
	*e = ProgressEvent{
		RunID:        msg.RunID,
		Status:       msg.Status,
		Done:         msg.Done,
		Total:        msg.Total,
		CurrentDate:  msg.CurrentDate,
		Detail:       msg.Detail,
		Timestamp:    time.UnixMilli(msg.Timestamp),
		SuccessCount: msg.SuccessCount,
		ErrorCount:   msg.ErrorCount,
	}
	if msg.CurrentItem != nil {
		e.CurrentItem = *msg.CurrentItem
	}
	return nil
}
