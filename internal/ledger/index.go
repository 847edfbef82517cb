package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lavallee/cub/pkg/models"
)

const (
	indexDir    = "index"
	byTaskFile  = "by-task.json"
	byEpicFile  = "by-epic.json"
	byRunFile   = "by-run.json"
	indexFormat = 1
)

// Ref points at one entry in the log.
type Ref struct {
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id"`
	Epic      string         `json:"epic,omitempty"`
	Outcome   models.Outcome `json:"outcome"`
	Offset    int64          `json:"offset"`
}

// indexFile is the on-disk shape of each of the three index files.
type indexFile struct {
	Version int              `json:"version"`
	LogSize int64            `json:"log_size"`
	Entries int              `json:"entries"`
	Refs    map[string][]Ref `json:"refs"`
}

type index struct {
	logSize int64
	entries int
	byTask  map[string][]Ref
	byEpic  map[string][]Ref
	byRun   map[string][]Ref
}

func newIndex() *index {
	return &index{
		byTask: make(map[string][]Ref),
		byEpic: make(map[string][]Ref),
		byRun:  make(map[string][]Ref),
	}
}

func (x *index) add(e models.LedgerEntry, off int64) {
	ref := Ref{TaskID: e.TaskID, SessionID: e.SessionID, Epic: e.Epic, Outcome: e.Outcome, Offset: off}
	x.entries++
	x.byTask[e.TaskID] = append(x.byTask[e.TaskID], ref)
	x.byRun[e.SessionID] = append(x.byRun[e.SessionID], ref)
	if e.Epic != "" {
		x.byEpic[e.Epic] = append(x.byEpic[e.Epic], ref)
	}
}

func (x *index) files() map[string]map[string][]Ref {
	return map[string]map[string][]Ref{
		byTaskFile: x.byTask,
		byEpicFile: x.byEpic,
		byRunFile:  x.byRun,
	}
}

// write replaces the index files. Each file is written to a temp file and
// renamed so readers never see a partial index.
func (x *index) write(dir string) error {
	for name, refs := range x.files() {
		f := indexFile{Version: indexFormat, LogSize: x.logSize, Entries: x.entries, Refs: refs}
		if err := writeJSONAtomic(filepath.Join(dir, indexDir, name), f); err != nil {
			return err
		}
	}
	return nil
}

// loadIndexFile reads one index file; a missing file yields nil, nil.
func loadIndexFile(dir, name string) (*indexFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &f, nil
}

// writeJSONAtomic marshals v and writes it to path via temp file + rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
