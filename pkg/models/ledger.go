package models

import (
	"encoding/json"
	"time"
)

// Outcome is the normalized result of one task attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeInterrupted   Outcome = "interrupted"
	OutcomeBudgetStopped Outcome = "budget_stopped"
)

// Valid returns true if the outcome is a known value.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeInterrupted, OutcomeBudgetStopped:
		return true
	default:
		return false
	}
}

// EntrySource tells which path wrote a ledger entry.
type EntrySource string

const (
	// SourceLoop marks entries written by the run loop.
	SourceLoop EntrySource = "loop"
	// SourceDirectSession marks entries reconstructed from hook forensics
	// when no run loop was active.
	SourceDirectSession EntrySource = "direct_session"
)

// Failure reason codes carried on ledger entries and harness results.
const (
	ReasonTokenLimit         = "token_limit_exceeded"
	ReasonCircuitBreaker     = "circuit_breaker"
	ReasonVerificationFailed = "verification_failed"
	ReasonHarnessError       = "harness_error"
	ReasonInterrupted        = "interrupted"
)

// LedgerEntry is the durable record of one completed or terminated task attempt.
// (TaskID, SessionID) identifies an entry; at most one exists per pair.
type LedgerEntry struct {
	TaskID       string        `json:"task_id"`
	SessionID    string        `json:"session_id"`
	Source       EntrySource   `json:"source"`
	Epic         string        `json:"epic,omitempty"`
	Title        string        `json:"title,omitempty"`
	Harness      string        `json:"harness,omitempty"`
	FilesChanged []string      `json:"files_changed"`
	Commits      []string      `json:"commits"`
	Cost         float64       `json:"cost"`
	Tokens       int64         `json:"tokens"`
	Duration     time.Duration `json:"-"`
	Outcome      Outcome       `json:"outcome"`
	Reason       string        `json:"reason,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Key returns the dedup key of the entry.
func (e LedgerEntry) Key() string {
	return e.TaskID + "\x00" + e.SessionID
}

type ledgerEntryJSON LedgerEntry

type ledgerEntryWire struct {
	ledgerEntryJSON
	DurationMS int64 `json:"duration_ms"`
}

// MarshalJSON writes Duration as integer milliseconds.
func (e LedgerEntry) MarshalJSON() ([]byte, error) {
	w := ledgerEntryWire{ledgerEntryJSON: ledgerEntryJSON(e), DurationMS: e.Duration.Milliseconds()}
	if w.FilesChanged == nil {
		w.FilesChanged = []string{}
	}
	if w.Commits == nil {
		w.Commits = []string{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads duration_ms back into Duration.
func (e *LedgerEntry) UnmarshalJSON(data []byte) error {
	var w ledgerEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = LedgerEntry(w.ledgerEntryJSON)
	e.Duration = time.Duration(w.DurationMS) * time.Millisecond
	return nil
}
