package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
)

// Problem describes one bad line found while replaying the log.
type Problem struct {
	Line   int    `json:"line"`
	Offset int64  `json:"offset"`
	Error  string `json:"error"`
}

// Report summarizes a replay of the log.
type Report struct {
	Entries    int       `json:"entries"`
	Malformed  []Problem `json:"malformed,omitempty"`
	Duplicates []Problem `json:"duplicates,omitempty"`
	TornTail   bool      `json:"torn_tail"`
	IndexDrift bool      `json:"index_drift"`
	LogSize    int64     `json:"log_size"`
}

// OK is true when the log and indices are fully consistent.
func (r Report) OK() bool {
	return len(r.Malformed) == 0 && len(r.Duplicates) == 0 && !r.TornTail && !r.IndexDrift
}

// replay reads the first size bytes of the log into a fresh index.
func (l *Ledger) replay(size int64) (*index, map[string]struct{}, Report, error) {
	idx := newIndex()
	keys := make(map[string]struct{})
	rep := Report{LogSize: size}

	f, err := os.Open(l.LogPath())
	if errors.Is(err, os.ErrNotExist) {
		return idx, keys, rep, nil
	}
	if err != nil {
		return nil, nil, rep, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	lineNo := 0
	consumed, err := scanLines(io.NewSectionReader(f, 0, size), 0, func(off int64, line []byte) {
		lineNo++
		e, err := decodeLine(line)
		if err != nil {
			rep.Malformed = append(rep.Malformed, Problem{Line: lineNo, Offset: off, Error: err.Error()})
			return
		}
		if _, dup := keys[e.Key()]; dup {
			rep.Duplicates = append(rep.Duplicates, Problem{
				Line: lineNo, Offset: off,
				Error: fmt.Sprintf("duplicate entry for task %s in session %s", e.TaskID, e.SessionID),
			})
			return
		}
		keys[e.Key()] = struct{}{}
		idx.add(e, off)
	})
	if err != nil {
		return nil, nil, rep, err
	}
	idx.logSize = consumed
	rep.Entries = idx.entries
	rep.TornTail = consumed < size
	return idx, keys, rep, nil
}

// logSize returns the current size of the log, or 0 if it does not exist.
func (l *Ledger) logSize() (int64, error) {
	info, err := os.Stat(l.LogPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Verify replays the log, validating every line against the schema, and
// compares the result with the index files on disk. It does not modify
// anything.
func (l *Ledger) Verify() (Report, error) {
	// Snapshot the log size and the on-disk indices together so appends
	// made during the replay do not show up as drift.
	l.mu.Lock()
	unlock, err := l.flock()
	if err != nil {
		l.mu.Unlock()
		return Report{}, err
	}
	size, err := l.logSize()
	onDisk := make(map[string]*indexFile)
	if err == nil {
		for name := range newIndex().files() {
			var f *indexFile
			f, err = loadIndexFile(l.dir, name)
			if err != nil {
				break
			}
			onDisk[name] = f
		}
	}
	unlock()
	l.mu.Unlock()
	if err != nil {
		return Report{}, fmt.Errorf("snapshot ledger: %w", err)
	}

	idx, _, rep, err := l.replay(size)
	if err != nil {
		return rep, err
	}
	for name, refs := range idx.files() {
		f := onDisk[name]
		if f == nil {
			if idx.entries > 0 {
				rep.IndexDrift = true
			}
			continue
		}
		if f.Entries != idx.entries || f.LogSize != idx.logSize || !sameRefs(f.Refs, refs) {
			rep.IndexDrift = true
		}
	}
	return rep, nil
}

func sameRefs(a, b map[string][]Ref) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !reflect.DeepEqual(v, b[k]) {
			return false
		}
	}
	return true
}

// Rebuild replays the log into fresh index files. The replay runs without
// the write lock; entries appended meanwhile are folded in afterwards.
func (l *Ledger) Rebuild() (Report, error) {
	l.mu.Lock()
	unlock, err := l.flock()
	if err != nil {
		l.mu.Unlock()
		return Report{}, err
	}
	size, err := l.logSize()
	unlock()
	l.mu.Unlock()
	if err != nil {
		return Report{}, fmt.Errorf("snapshot ledger: %w", err)
	}

	idx, keys, rep, err := l.replay(size)
	if err != nil {
		return rep, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err = l.flock()
	if err != nil {
		return rep, err
	}
	defer unlock()

	l.idx, l.keys, l.offset = idx, keys, idx.logSize
	if err := l.catchUp(); err != nil {
		return rep, err
	}
	if err := l.idx.write(l.dir); err != nil {
		return rep, fmt.Errorf("write ledger index: %w", err)
	}
	return rep, nil
}

// Repair drops an unterminated trailing line left by a crashed writer and
// rebuilds the indices. Complete but malformed lines are left in place; they
// are skipped by every reader.
func (l *Ledger) Repair() (Report, error) {
	l.mu.Lock()
	unlock, err := l.flock()
	if err != nil {
		l.mu.Unlock()
		return Report{}, err
	}
	err = l.truncateTornTail()
	unlock()
	l.mu.Unlock()
	if err != nil {
		return Report{}, err
	}
	return l.Rebuild()
}

func (l *Ledger) truncateTornTail() error {
	size, err := l.logSize()
	if err != nil || size == 0 {
		return err
	}
	f, err := os.OpenFile(l.LogPath(), os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	consumed, err := scanLines(f, 0, func(int64, []byte) {})
	if err != nil {
		return err
	}
	if consumed == size {
		return nil
	}
	if err := f.Truncate(consumed); err != nil {
		return fmt.Errorf("truncate torn tail: %w", err)
	}
	if l.offset > consumed {
		l.offset = consumed
	}
	return f.Sync()
}
