package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/lavallee/cub/internal/orchestrator"
	"github.com/lavallee/cub/internal/state"
	"github.com/lavallee/cub/pkg/models"
)

// StatusReport is the input to RenderStatus.
type StatusReport struct {
	Epic   string
	Counts map[models.TaskStatus]int
	// Ready is the ready queue in selection order.
	Ready []models.Task
	// Live holds status snapshots of sessions still running.
	Live     []orchestrator.Status
	LastRun  *state.RunRecord
	Bindings []models.BranchBinding
	Now      time.Time
}

// maxReadyShown caps the ready queue listing.
const maxReadyShown = 10

// RenderStatus renders the report printed by `cub status`.
func RenderStatus(r StatusReport) string {
	s := newStyles()
	var b strings.Builder

	title := "Tasks"
	if r.Epic != "" {
		title += " in " + r.Epic
	}
	b.WriteString(s.header.Render(title))
	b.WriteString("\n")

	open := r.Counts[models.TaskStatusOpen]
	inProgress := r.Counts[models.TaskStatusInProgress]
	closed := r.Counts[models.TaskStatusClosed]
	total := open + inProgress + closed
	b.WriteString(s.row("Open:", s.value.Render(fmt.Sprintf("%d", open))))
	b.WriteString(s.row("In progress:", s.warning.Render(fmt.Sprintf("%d", inProgress))))
	b.WriteString(s.row("Closed:", s.success.Render(fmt.Sprintf("%d", closed))))
	if total > 0 {
		pct := float64(closed) / float64(total) * 100
		b.WriteString(s.row("", s.progressBar(pct, 30)+fmt.Sprintf(" %.0f%%", pct)))
	}

	b.WriteString("\n")
	b.WriteString(s.header.Render(fmt.Sprintf("Ready (%d)", len(r.Ready))))
	b.WriteString("\n")
	if len(r.Ready) == 0 {
		b.WriteString(s.muted.Render("  nothing ready") + "\n")
	}
	for i, t := range r.Ready {
		if i == maxReadyShown {
			b.WriteString(s.muted.Render(fmt.Sprintf("  ... %d more", len(r.Ready)-maxReadyShown)) + "\n")
			break
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n", s.value.Render(t.ID), s.muted.Render(fmt.Sprintf("P%d", t.Priority)), truncate(t.Title, 60)))
	}

	if len(r.Live) > 0 {
		b.WriteString("\n")
		b.WriteString(s.header.Render("Running"))
		b.WriteString("\n")
		for _, st := range r.Live {
			line := fmt.Sprintf("  %s %s %s", s.value.Render(st.SessionID), s.state.Render(string(st.State)), st.Harness)
			if st.ActiveTask != "" {
				line += " on " + st.ActiveTask
			}
			if st.Epic != "" {
				line += s.muted.Render(" [" + st.Epic + "]")
			}
			b.WriteString(line + fmt.Sprintf("  $%.2f\n", st.Budget.Cost))
		}
	}

	if r.LastRun != nil {
		run := r.LastRun
		b.WriteString("\n")
		b.WriteString(s.header.Render("Last run"))
		b.WriteString("\n")
		b.WriteString(s.row("Session:", s.value.Render(run.SessionID)))
		b.WriteString(s.row("Harness:", run.Harness))
		if run.Finished() {
			b.WriteString(s.row("Exit:", s.exitReason(run.ExitReason)))
			b.WriteString(s.row("Duration:", formatDuration(run.FinishedAt.Sub(run.StartedAt))))
		} else {
			now := r.Now
			if now.IsZero() {
				now = time.Now()
			}
			b.WriteString(s.row("Exit:", s.warning.Render("running")))
			b.WriteString(s.row("Elapsed:", formatDuration(now.Sub(run.StartedAt))))
		}
		b.WriteString(s.row("Iterations:", fmt.Sprintf("%d", run.Iterations)))
		b.WriteString(s.row("Cost:", fmt.Sprintf("$%.2f", run.Cost)))
		b.WriteString(s.row("Tokens:", formatNumber(run.Tokens)))
	}

	if len(r.Bindings) > 0 {
		b.WriteString("\n")
		b.WriteString(s.header.Render("Branches"))
		b.WriteString("\n")
		for _, bind := range r.Bindings {
			line := fmt.Sprintf("  %s %s -> %s", s.value.Render(bind.Epic), bind.Branch, bind.BaseBranch)
			if bind.PullRequest != "" {
				line += " " + s.success.Render(bind.PullRequest)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}
