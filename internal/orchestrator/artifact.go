package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

const statusSuffix = ".status.json"

// RunsDir holds run artifacts, status snapshots and harness logs.
func RunsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".cub", "runs")
}

// ArtifactPath is where the session's run artifact is written on exit.
func ArtifactPath(projectRoot, sessionID string) string {
	return filepath.Join(RunsDir(projectRoot), sessionID+".json")
}

// StatusPath is the live status snapshot of a running session.
func StatusPath(projectRoot, sessionID string) string {
	return filepath.Join(RunsDir(projectRoot), sessionID+statusSuffix)
}

// HarnessLogPath receives the raw harness output for one task attempt.
func HarnessLogPath(projectRoot, sessionID, taskID string) string {
	return filepath.Join(RunsDir(projectRoot), sessionID, sanitizeFileName(taskID)+".log")
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}

// Status is the snapshot `cub monitor` and `cub status` read while a
// session runs. It is rewritten on every state transition.
type Status struct {
	SessionID   string                `json:"session_id"`
	PID         int                   `json:"pid"`
	Epic        string                `json:"epic,omitempty"`
	Harness     string                `json:"harness"`
	State       State                 `json:"state"`
	ActiveTask  string                `json:"active_task,omitempty"`
	ActiveTitle string                `json:"active_title,omitempty"`
	Iterations  int                   `json:"iterations"`
	Completed   int                   `json:"completed"`
	Failed      int                   `json:"failed"`
	Budget      models.BudgetSnapshot `json:"budget"`
	StartedAt   time.Time             `json:"started_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	ExitReason  models.ExitReason     `json:"exit_reason,omitempty"`
}

// Finished reports whether the session has exited.
func (s Status) Finished() bool {
	return s.ExitReason != ""
}

// WriteArtifact writes the run artifact atomically.
func WriteArtifact(path string, a models.RunArtifact) error {
	return writeJSONAtomic(path, a)
}

// SetupFailure returns the artifact for a session that failed before its
// loop could start, for example because the task source is unreachable.
func SetupFailure(sessionID, harness, epic, workDir string, started time.Time, cause error) models.RunArtifact {
	art := models.RunArtifact{
		SessionID:      sessionID,
		Harness:        harness,
		Epic:           epic,
		WorkDir:        workDir,
		StartedAt:      started,
		FinishedAt:     time.Now(),
		ExitReason:     models.ExitError,
		Outcome:        sessionOutcome(models.ExitError),
		Message:        exitMessage(models.ExitError),
		TasksAttempted: []string{},
		TasksCompleted: []string{},
		TasksFailed:    []string{},
	}
	if cause != nil {
		art.Error = cause.Error()
	}
	return art
}

// ReadArtifact loads a run artifact.
func ReadArtifact(path string) (models.RunArtifact, error) {
	var a models.RunArtifact
	data, err := os.ReadFile(path)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("parse run artifact %s: %w", path, err)
	}
	return a, nil
}

// ReadStatus loads a status snapshot.
func ReadStatus(path string) (Status, error) {
	var s Status
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse status %s: %w", path, err)
	}
	return s, nil
}

// ErrNoRuns is returned when a project has no run artifacts yet.
var ErrNoRuns = errors.New("no runs recorded")

// LatestStatusPath returns the most recently updated status snapshot.
func LatestStatusPath(projectRoot string) (string, error) {
	return latest(projectRoot, func(name string) bool { return strings.HasSuffix(name, statusSuffix) })
}

// LatestArtifactPath returns the most recently written run artifact.
func LatestArtifactPath(projectRoot string) (string, error) {
	return latest(projectRoot, func(name string) bool {
		return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, statusSuffix)
	})
}

func latest(projectRoot string, match func(string) bool) (string, error) {
	dir := RunsDir(projectRoot)
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoRuns
	}
	if err != nil {
		return "", err
	}
	type cand struct {
		path string
		mod  time.Time
	}
	var cands []cand
	for _, ent := range ents {
		if ent.IsDir() || strings.HasPrefix(ent.Name(), ".") || !match(ent.Name()) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		cands = append(cands, cand{filepath.Join(dir, ent.Name()), info.ModTime()})
	}
	if len(cands) == 0 {
		return "", ErrNoRuns
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.After(cands[j].mod) })
	return cands[0].path, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
