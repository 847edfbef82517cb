package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

// RunRecord is the database row for one run loop session.
type RunRecord struct {
	SessionID  string
	PID        int
	Epic       string
	Harness    string
	WorkDir    string
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitReason models.ExitReason
	Cost       float64
	Tokens     int64
	Iterations int
}

// Finished reports whether the session recorded an exit.
func (r RunRecord) Finished() bool {
	return r.FinishedAt != nil
}

// StartRun records a session as started.
func (db *DB) StartRun(ctx context.Context, r RunRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO runs (session_id, pid, epic, harness, work_dir, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.PID, r.Epic, r.Harness, r.WorkDir, formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the exit of a session from its artifact.
func (db *DB) FinishRun(ctx context.Context, a models.RunArtifact) error {
	_, err := db.Exec(ctx, `
		UPDATE runs SET finished_at = ?, exit_reason = ?, cost = ?, tokens = ?, iterations = ?
		WHERE session_id = ?
	`, formatTime(a.FinishedAt), string(a.ExitReason), a.Budget.Cost, a.Budget.Tokens, a.Iterations, a.SessionID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const runColumns = `session_id, pid, epic, harness, work_dir, started_at, finished_at, exit_reason, cost, tokens, iterations`

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var startedAt string
	var finishedAt sql.NullString
	var reason string
	err := row.Scan(&r.SessionID, &r.PID, &r.Epic, &r.Harness, &r.WorkDir, &startedAt,
		&finishedAt, &reason, &r.Cost, &r.Tokens, &r.Iterations)
	if err != nil {
		return r, err
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	r.ExitReason = models.ExitReason(reason)
	return r, nil
}

// GetRun retrieves a run by session ID. Returns nil if it does not exist.
func (db *DB) GetRun(ctx context.Context, sessionID string) (*RunRecord, error) {
	row := db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE session_id = ?`, sessionID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecoveredRun describes a crashed session cleaned up by RecoverOrphans.
type RecoveredRun struct {
	SessionID string
	Released  []string
}

// RecoverOrphans finds sessions that never recorded an exit and whose
// process is gone, releases the tasks they held, and marks them finished
// with exit reason error. Sessions from live processes are left alone.
func (db *DB) RecoverOrphans(ctx context.Context) ([]RecoveredRun, error) {
	rows, err := db.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE finished_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	var orphans []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if !IsProcessAlive(r.PID) {
			orphans = append(orphans, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []RecoveredRun
	for _, r := range orphans {
		released, err := db.ReleaseSession(ctx, r.SessionID)
		if err != nil {
			return recovered, err
		}
		_, err = db.Exec(ctx, `UPDATE runs SET finished_at = ?, exit_reason = ? WHERE session_id = ?`,
			formatTime(time.Now()), string(models.ExitError), r.SessionID)
		if err != nil {
			return recovered, fmt.Errorf("mark run %s recovered: %w", r.SessionID, err)
		}
		recovered = append(recovered, RecoveredRun{SessionID: r.SessionID, Released: released})
	}
	return recovered, nil
}

// IsProcessAlive checks if a process with the given PID is still running.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
