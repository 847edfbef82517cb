package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lavallee/cub/pkg/models"
)

// Entries returns every well-formed entry in log order. Malformed lines and
// later duplicates are skipped.
func (l *Ledger) Entries() ([]models.LedgerEntry, error) {
	f, err := os.Open(l.LogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var out []models.LedgerEntry
	seen := make(map[string]struct{})
	_, err = scanLines(f, 0, func(_ int64, line []byte) {
		e, err := decodeLine(line)
		if err != nil {
			return
		}
		if _, dup := seen[e.Key()]; dup {
			return
		}
		seen[e.Key()] = struct{}{}
		out = append(out, e)
	})
	return out, err
}

// ByTask returns the entries for one task, oldest first.
func (l *Ledger) ByTask(taskID string) ([]models.LedgerEntry, error) {
	return l.lookup(func(x *index) []Ref { return x.byTask[taskID] })
}

// ByEpic returns the entries recorded under one epic, oldest first.
func (l *Ledger) ByEpic(epic string) ([]models.LedgerEntry, error) {
	return l.lookup(func(x *index) []Ref { return x.byEpic[epic] })
}

// ByRun returns the entries written by one run session, oldest first.
func (l *Ledger) ByRun(sessionID string) ([]models.LedgerEntry, error) {
	return l.lookup(func(x *index) []Ref { return x.byRun[sessionID] })
}

// Has reports whether an entry exists for (taskID, sessionID).
func (l *Ledger) Has(taskID, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.catchUp(); err != nil {
		return false, err
	}
	_, ok := l.keys[models.LedgerEntry{TaskID: taskID, SessionID: sessionID}.Key()]
	return ok, nil
}

func (l *Ledger) lookup(pick func(*index) []Ref) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	if err := l.catchUp(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	refs := append([]Ref(nil), pick(l.idx)...)
	l.mu.Unlock()

	if len(refs) == 0 {
		return nil, nil
	}
	f, err := os.Open(l.LogPath())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	out := make([]models.LedgerEntry, 0, len(refs))
	for _, ref := range refs {
		line, err := readLineAt(f, ref.Offset)
		if err != nil {
			return nil, fmt.Errorf("read entry at %d: %w", ref.Offset, err)
		}
		var e models.LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode entry at %d: %w", ref.Offset, err)
		}
		out = append(out, e)
	}
	return out, nil
}
