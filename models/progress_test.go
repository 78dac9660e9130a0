package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProgressEventWireShape(t *testing.T) {
	ts := time.UnixMilli(1705305600000)
	ev := ProgressEvent{
		Status:       StatusSuccess,
		Done:         1,
		Total:        2,
		CurrentItem:  "0001234",
		CurrentDate:  "2024-01-15",
		Timestamp:    ts,
		SuccessCount: 1,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}

	want := map[string]any{
		"type":          "PROGRESS",
		"status":        "Success",
		"done":          float64(1),
		"total":         float64(2),
		"currentNumber": "0001234",
		"currentDate":   "2024-01-15",
		"timestamp":     float64(1705305600000),
		"errorCount":    float64(0),
		"successCount":  float64(1),
	}
	for key, value := range want {
		if raw[key] != value {
			t.Fatalf("%s = %v, want %v", key, raw[key], value)
		}
	}
	if _, ok := raw["runId"]; ok {
		t.Fatalf("empty runId should be omitted")
	}

	var back ProgressEvent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if back.CurrentItem != ev.CurrentItem || !back.Timestamp.Equal(ts) {
		t.Fatalf("decoded %+v, want %+v", back, ev)
	}
}

func TestProgressEventNullItem(t *testing.T) {
	data, err := json.Marshal(ProgressEvent{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := raw["currentNumber"]; !ok || v != nil {
		t.Fatalf("currentNumber = %v (present=%v), want null", v, ok)
	}
}

func TestProgressEventRejectsForeignType(t *testing.T) {
	var ev ProgressEvent
	if err := json.Unmarshal([]byte(`{"type":"LOG","status":"Success"}`), &ev); err == nil {
		t.Fatalf("expected error for foreign message type")
	}
}

func TestHostConfigDefaultsGoal(t *testing.T) {
	host := HostConfig{
		Items:     []string{"A", "B", "C"},
		Dates:     []string{"2024-01-15", "2024-01-16"},
		DelayMs:   250,
		DateGoals: map[string]int{"2024-01-15": 2},
	}

	cfg := host.RunConfig()
	if len(cfg.Dates) != 2 {
		t.Fatalf("dates = %d, want 2", len(cfg.Dates))
	}
	if cfg.Dates[0].Goal != 2 {
		t.Fatalf("explicit goal = %d, want 2", cfg.Dates[0].Goal)
	}
	if cfg.Dates[1].Goal != 3 {
		t.Fatalf("default goal = %d, want item count 3", cfg.Dates[1].Goal)
	}
	if cfg.Delay != 250*time.Millisecond {
		t.Fatalf("delay = %v, want 250ms", cfg.Delay)
	}
}

func TestPhaseActive(t *testing.T) {
	tests := []struct {
		phase  Phase
		active bool
	}{
		{PhaseIdle, false},
		{PhaseRunning, true},
		{PhasePaused, true},
		{PhaseStopped, false},
		{PhaseCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			if got := tt.phase.Active(); got != tt.active {
				t.Fatalf("Active() = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestProgressEventRejectsUnknownStatus(t *testing.T) {
	var ev ProgressEvent
	if err := json.Unmarshal([]byte(`{"type":"PROGRESS","status":"Finished"}`), &ev); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if err := json.Unmarshal([]byte(`{"type":"PROGRESS","status":"Next date"}`), &ev); err != nil {
		t.Fatalf("unmarshal Next date: %v", err)
	}
}
