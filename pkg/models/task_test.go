package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"open is valid", TaskStatusOpen, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"closed is valid", TaskStatusClosed, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"pending is invalid", TaskStatus("pending"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTask_InEpic(t *testing.T) {
	task := Task{ID: "t1", Parent: "epic-a"}

	if !task.InEpic("") {
		t.Error("empty epic filter should match")
	}
	if !task.InEpic("epic-a") {
		t.Error("matching epic should match")
	}
	if task.InEpic("epic-b") {
		t.Error("different epic should not match")
	}
}

func TestOutcome_Valid(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeInterrupted, OutcomeBudgetStopped} {
		if !o.Valid() {
			t.Errorf("%q should be valid", o)
		}
	}
	if Outcome("done").Valid() {
		t.Error("unknown outcome should be invalid")
	}
}

func TestLedgerEntry_DurationOnWire(t *testing.T) {
	entry := LedgerEntry{
		TaskID:    "t1",
		SessionID: "s1",
		Source:    SourceLoop,
		Outcome:   OutcomeSuccess,
		Duration:  1500 * time.Millisecond,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"duration_ms":1500`) {
		t.Errorf("expected duration_ms in %s", s)
	}
	if !strings.Contains(s, `"files_changed":[]`) {
		t.Errorf("nil files_changed should encode as empty list: %s", s)
	}

	var back LedgerEntry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Duration != entry.Duration {
		t.Errorf("Duration = %v, want %v", back.Duration, entry.Duration)
	}
	if back.Key() != entry.Key() {
		t.Errorf("Key() = %q, want %q", back.Key(), entry.Key())
	}
}
