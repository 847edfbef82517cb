package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lavallee/cub/pkg/models"
)

// SaveBinding inserts or updates the binding for an epic.
func (db *DB) SaveBinding(ctx context.Context, b models.BranchBinding) error {
	_, err := db.Exec(ctx, `
		INSERT INTO branch_bindings (epic, branch, base_branch, worktree_path, pull_request, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(epic) DO UPDATE SET
			branch = excluded.branch,
			base_branch = excluded.base_branch,
			worktree_path = excluded.worktree_path,
			pull_request = excluded.pull_request
	`, b.Epic, b.Branch, b.BaseBranch, b.WorktreePath, b.PullRequest, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("save binding for %s: %w", b.Epic, err)
	}
	return nil
}

const bindingColumns = `epic, branch, base_branch, worktree_path, pull_request, created_at`

func scanBinding(row rowScanner) (models.BranchBinding, error) {
	var b models.BranchBinding
	var createdAt string
	if err := row.Scan(&b.Epic, &b.Branch, &b.BaseBranch, &b.WorktreePath, &b.PullRequest, &createdAt); err != nil {
		return b, err
	}
	b.CreatedAt, _ = parseTime(createdAt)
	return b, nil
}

// GetBinding returns the binding for epic. The boolean is false when the
// epic has no binding.
func (db *DB) GetBinding(ctx context.Context, epic string) (models.BranchBinding, bool, error) {
	row := db.QueryRow(ctx, `SELECT `+bindingColumns+` FROM branch_bindings WHERE epic = ?`, epic)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return b, false, nil
	}
	if err != nil {
		return b, false, fmt.Errorf("get binding: %w", err)
	}
	return b, true, nil
}

// ListBindings returns all bindings ordered by epic.
func (db *DB) ListBindings(ctx context.Context) ([]models.BranchBinding, error) {
	rows, err := db.Query(ctx, `SELECT `+bindingColumns+` FROM branch_bindings ORDER BY epic`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []models.BranchBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetPullRequest records the pull request opened for an epic.
func (db *DB) SetPullRequest(ctx context.Context, epic, pr string) error {
	res, err := db.Exec(ctx, `UPDATE branch_bindings SET pull_request = ? WHERE epic = ?`, pr, epic)
	if err != nil {
		return fmt.Errorf("set pull request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set pull request: no binding for epic %s", epic)
	}
	return nil
}
