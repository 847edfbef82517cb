package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lavallee/cub/internal/ledger"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

// PromptInput is what the loop knows about the task it is about to run.
type PromptInput struct {
	Task      models.Task
	SessionID string
	WorkDir   string
	// Attempt is 1 for the first try of this task within the session.
	Attempt int
}

// PromptBuilder turns a claimed task into the prompt handed to the harness.
// The loop treats the result as opaque.
type PromptBuilder interface {
	Build(ctx context.Context, in PromptInput) (string, error)
}

// PromptFunc adapts a function to PromptBuilder.
type PromptFunc func(ctx context.Context, in PromptInput) (string, error)

// Build implements PromptBuilder.
func (f PromptFunc) Build(ctx context.Context, in PromptInput) (string, error) {
	return f(ctx, in)
}

// maxHistoryEntries bounds the retry history included in a prompt.
const maxHistoryEntries = 5

// DefaultPromptBuilder merges project instructions, epic context, task
// details and the task's earlier attempts from the ledger.
type DefaultPromptBuilder struct {
	ProjectRoot string
	Source      tasks.Source
	Ledger      *ledger.Ledger
}

// instructionFiles are tried in order; the first one found is used.
var instructionFiles = []string{
	filepath.Join(".cub", "prompt.md"),
	"CLAUDE.md",
	"AGENTS.md",
}

// Build implements PromptBuilder.
func (b *DefaultPromptBuilder) Build(ctx context.Context, in PromptInput) (string, error) {
	var sb strings.Builder

	if instructions := b.instructions(in.WorkDir); instructions != "" {
		sb.WriteString("## Project Instructions\n\n")
		sb.WriteString(instructions)
		sb.WriteString("\n\n")
	}

	task := in.Task
	if task.Parent != "" && b.Source != nil {
		epic, err := b.findTask(ctx, task.Parent)
		if err != nil {
			return "", err
		}
		if epic != nil {
			sb.WriteString("## Epic\n\n")
			sb.WriteString(fmt.Sprintf("%s: %s\n", epic.ID, epic.Title))
			if epic.Description != "" {
				sb.WriteString("\n")
				sb.WriteString(epic.Description)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## Task\n\n")
	sb.WriteString("Task ID: ")
	sb.WriteString(task.ID)
	sb.WriteString("\nTitle: ")
	sb.WriteString(task.Title)
	sb.WriteString("\n")
	if task.Description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	if b.Ledger != nil {
		history, err := b.Ledger.ByTask(task.ID)
		if err != nil {
			return "", fmt.Errorf("read task history: %w", err)
		}
		writeHistory(&sb, history)
	}

	if in.Attempt > 1 {
		sb.WriteString(fmt.Sprintf("\nThis is attempt %d at this task in the current session.\n", in.Attempt))
	}

	sb.WriteString("\nComplete this task in the working directory. Commit your work when it is done, ")
	sb.WriteString("then finish with a short summary of what changed.\n")
	return sb.String(), nil
}

func (b *DefaultPromptBuilder) instructions(workDir string) string {
	roots := []string{b.ProjectRoot}
	if workDir != "" && workDir != b.ProjectRoot {
		roots = append([]string{workDir}, roots...)
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		for _, name := range instructionFiles {
			data, err := os.ReadFile(filepath.Join(root, name))
			if err == nil && len(strings.TrimSpace(string(data))) > 0 {
				return strings.TrimSpace(string(data))
			}
		}
	}
	return ""
}

func (b *DefaultPromptBuilder) findTask(ctx context.Context, id string) (*models.Task, error) {
	all, err := b.Source.ListTasks(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load epic %s: %w", id, err)
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, nil
}

func writeHistory(sb *strings.Builder, history []models.LedgerEntry) {
	var prior []models.LedgerEntry
	for _, e := range history {
		if e.Outcome != models.OutcomeSuccess {
			prior = append(prior, e)
		}
	}
	if len(prior) == 0 {
		return
	}
	if len(prior) > maxHistoryEntries {
		prior = prior[len(prior)-maxHistoryEntries:]
	}

	sb.WriteString("\n## Previous Attempts\n")
	sb.WriteString("Earlier attempts at this task did not succeed:\n\n")
	for _, e := range prior {
		line := fmt.Sprintf("- %s (%s", e.RecordedAt.Format("2006-01-02 15:04"), e.Outcome)
		if e.Reason != "" {
			line += ", " + e.Reason
		}
		line += ")"
		if e.Summary != "" {
			line += ": " + firstLine(e.Summary)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		if len(e.FilesChanged) > 0 {
			sb.WriteString(fmt.Sprintf("  files touched: %s\n", strings.Join(e.FilesChanged, ", ")))
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
