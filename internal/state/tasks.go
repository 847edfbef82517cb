package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

const taskColumns = `id, parent, title, description, status, priority, depends_on, assignee, close_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var status, deps, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Parent, &t.Title, &t.Description, &status, &t.Priority,
		&deps, &t.Assignee, &t.CloseReason, &createdAt, &updatedAt)
	if err != nil {
		return t, err
	}
	t.Status = models.TaskStatus(status)
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return t, fmt.Errorf("decode depends_on for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return t, nil
}

func encodeDeps(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AddTask inserts a new task. Empty status defaults to open.
func (db *DB) AddTask(ctx context.Context, t models.Task) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		return upsertTask(ctx, tx, t, false)
	})
}

// ImportTasks inserts or replaces tasks in one transaction.
func (db *DB) ImportTasks(ctx context.Context, list []models.Task) (int, error) {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, t := range list {
			if err := upsertTask(ctx, tx, t, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, t models.Task, replace bool) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	deps, err := encodeDeps(t.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	verb := "INSERT"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	_, err = tx.ExecContext(ctx, verb+` INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Parent, t.Title, t.Description, string(t.Status), t.Priority, deps,
		t.Assignee, t.CloseReason, formatTime(t.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("get task %s: %w", id, tasks.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks implements tasks.Source.
func (db *DB) ListTasks(ctx context.Context, epic string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if epic != "" {
		query += ` WHERE parent = ?`
		args = append(args, epic)
	}
	query += ` ORDER BY id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReadyTasks implements tasks.Source. Dependencies may live outside the
// epic, so the ready rule is applied to the full task table.
func (db *DB) ReadyTasks(ctx context.Context, epic string) ([]models.Task, error) {
	all, err := db.ListTasks(ctx, "")
	if err != nil {
		return nil, err
	}
	return tasks.SelectReady(all, epic), nil
}

// Claim implements tasks.Source. The conditional update is atomic in
// SQLite, so across processes sharing the file only one caller sees a
// changed row.
func (db *DB) Claim(ctx context.Context, taskID, session string) (tasks.ClaimResult, error) {
	res, err := db.Exec(ctx, `
		UPDATE tasks SET status = ?, assignee = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusInProgress), session, formatTime(time.Now()), taskID, string(models.TaskStatusOpen))
	if err != nil {
		return tasks.AlreadyClaimed, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tasks.AlreadyClaimed, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 1 {
		return tasks.Claimed, nil
	}
	if _, err := db.GetTask(ctx, taskID); err != nil {
		return tasks.AlreadyClaimed, err
	}
	return tasks.AlreadyClaimed, nil
}

// CloseTask marks a task closed.
func (db *DB) CloseTask(ctx context.Context, taskID, reason string) error {
	res, err := db.Exec(ctx, `
		UPDATE tasks SET status = ?, close_reason = ?, updated_at = ? WHERE id = ?
	`, string(models.TaskStatusClosed), reason, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("close task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close task %s: %w", taskID, tasks.ErrNotFound)
	}
	return nil
}

// Release implements tasks.Source. Only in-progress tasks are reopened.
func (db *DB) Release(ctx context.Context, taskID string) error {
	_, err := db.Exec(ctx, `
		UPDATE tasks SET status = ?, assignee = '', updated_at = ?
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusOpen), formatTime(time.Now()), taskID, string(models.TaskStatusInProgress))
	if err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	return nil
}

// ReleaseSession reopens every in-progress task held by session and
// returns their ids.
func (db *DB) ReleaseSession(ctx context.Context, session string) ([]string, error) {
	var released []string
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE assignee = ? AND status = ?`,
			session, string(models.TaskStatusInProgress))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			released = append(released, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assignee = '', updated_at = ?
			WHERE assignee = ? AND status = ?
		`, string(models.TaskStatusOpen), formatTime(time.Now()), session, string(models.TaskStatusInProgress))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("release session %s: %w", session, err)
	}
	return released, nil
}

// TaskSource adapts DB to tasks.Source. DB.Close already closes the
// connection, so the task-closing method lives on this wrapper.
type TaskSource struct {
	*DB
}

// Tasks returns the task source view of the database.
func (db *DB) Tasks() TaskSource {
	return TaskSource{DB: db}
}

// Close implements tasks.Source.
func (s TaskSource) Close(ctx context.Context, taskID, reason string) error {
	return s.CloseTask(ctx, taskID, reason)
}

var _ tasks.Source = TaskSource{}
