// Package beads adapts the bd issue tracker CLI to the run loop's task
// source contract.
package beads

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	iexec "github.com/lavallee/cub/internal/exec"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

const binary = "bd"

// Dependency types in bd's JSON output.
const (
	depBlocks      = "blocks"
	depParentChild = "parent-child"
)

type dependency struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

type issue struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Status       string       `json:"status"`
	Priority     int          `json:"priority"`
	IssueType    string       `json:"issue_type"`
	Assignee     string       `json:"assignee"`
	Parent       string       `json:"parent"`
	CloseReason  string       `json:"close_reason"`
	Dependencies []dependency `json:"dependencies"`
}

func (i issue) task() models.Task {
	t := models.Task{
		ID:          i.ID,
		Title:       i.Title,
		Description: i.Description,
		Status:      models.TaskStatus(i.Status),
		Priority:    i.Priority,
		Parent:      i.Parent,
		Assignee:    i.Assignee,
		CloseReason: i.CloseReason,
	}
	for _, d := range i.Dependencies {
		switch d.Type {
		case depParentChild:
			if t.Parent == "" {
				t.Parent = d.DependsOnID
			}
		case depBlocks, "":
			t.DependsOn = append(t.DependsOn, d.DependsOnID)
		}
	}
	return t
}

// Source runs bd in a project directory.
//
// Claims are claim-and-check: the update is followed by a re-read and the
// claim only stands if the assignee is still this session. bd has no
// compare-and-set, so two sessions interleaving exactly can both win; use the
// sqlite backend when loops run in parallel.
type Source struct {
	runner iexec.CommandRunner
	dir    string
}

// New creates a Source that runs bd in dir.
func New(runner iexec.CommandRunner, dir string) *Source {
	return &Source{runner: runner, dir: dir}
}

// IsAvailable reports whether dir holds a beads database and bd is on PATH.
func IsAvailable(runner iexec.CommandRunner, dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".beads")); err != nil {
		return false
	}
	return runner.LookPath(binary)
}

func (s *Source) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := s.runner.Run(ctx, s.dir, binary, args...)
	if err != nil {
		return out, fmt.Errorf("bd %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func decodeIssues(op string, out []byte) ([]issue, error) {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var issues []issue
	if err := json.Unmarshal([]byte(trimmed), &issues); err != nil {
		return nil, fmt.Errorf("parse bd %s output: %w", op, err)
	}
	return issues, nil
}

func (s *Source) list(ctx context.Context) ([]issue, error) {
	out, err := s.run(ctx, "list", "--all", "--json")
	if err != nil {
		return nil, err
	}
	return decodeIssues("list", out)
}

func (s *Source) show(ctx context.Context, id string) (issue, error) {
	out, err := s.run(ctx, "show", id, "--json")
	if err != nil {
		return issue{}, err
	}
	issues, err := decodeIssues("show", out)
	if err != nil {
		return issue{}, err
	}
	if len(issues) == 0 {
		return issue{}, fmt.Errorf("bd show %s: %w", id, tasks.ErrNotFound)
	}
	return issues[0], nil
}

// ListTasks implements tasks.Source.
func (s *Source) ListTasks(ctx context.Context, epic string) ([]models.Task, error) {
	issues, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Task
	for _, i := range issues {
		if t := i.task(); t.InEpic(epic) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ReadyTasks implements tasks.Source. Epics themselves are never ready.
func (s *Source) ReadyTasks(ctx context.Context, epic string) ([]models.Task, error) {
	issues, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]models.Task, 0, len(issues))
	epics := make(map[string]bool)
	for _, i := range issues {
		if i.IssueType == "epic" {
			epics[i.ID] = true
		}
		all = append(all, i.task())
	}
	return tasks.Exclude(tasks.SelectReady(all, epic), epics), nil
}

// Claim implements tasks.Source.
func (s *Source) Claim(ctx context.Context, taskID, session string) (tasks.ClaimResult, error) {
	before, err := s.show(ctx, taskID)
	if err != nil {
		return tasks.AlreadyClaimed, err
	}
	if before.Status != string(models.TaskStatusOpen) {
		return tasks.AlreadyClaimed, nil
	}
	if _, err := s.run(ctx, "update", taskID, "--status", string(models.TaskStatusInProgress), "--assignee", session); err != nil {
		return tasks.AlreadyClaimed, err
	}
	after, err := s.show(ctx, taskID)
	if err != nil {
		return tasks.AlreadyClaimed, err
	}
	if after.Assignee != session || after.Status != string(models.TaskStatusInProgress) {
		return tasks.AlreadyClaimed, nil
	}
	return tasks.Claimed, nil
}

// Close implements tasks.Source.
func (s *Source) Close(ctx context.Context, taskID, reason string) error {
	args := []string{"close", taskID}
	if reason = sanitizeReason(reason); reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := s.run(ctx, args...)
	return err
}

// Release implements tasks.Source.
func (s *Source) Release(ctx context.Context, taskID string) error {
	_, err := s.run(ctx, "update", taskID, "--status", string(models.TaskStatusOpen), "--assignee", "")
	return err
}

// sanitizeReason flattens a reason onto one line of at most 500 runes.
func sanitizeReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\n", "; ")
	const maxLen = 500
	if r := []rune(trimmed); len(r) > maxLen {
		return string(r[:maxLen])
	}
	return trimmed
}

var _ tasks.Source = (*Source)(nil)
