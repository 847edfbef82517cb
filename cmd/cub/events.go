package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/lavallee/cub/internal/orchestrator"
	"github.com/lavallee/cub/pkg/models"
)

// eventPrinter writes run loop events as one line each. Harness output is
// only shown when verbose is set.
type eventPrinter struct {
	out     io.Writer
	verbose bool
}

func (p *eventPrinter) consume(events <-chan orchestrator.Event) {
	for ev := range events {
		if line := p.format(ev); line != "" {
			fmt.Fprintln(p.out, line)
		}
	}
}

func (p *eventPrinter) format(ev orchestrator.Event) string {
	ts := color.HiBlackString(ev.Timestamp.Format("15:04:05"))
	switch ev.Type {
	case orchestrator.EventSessionStarted:
		return fmt.Sprintf("%s %s session %s", ts, color.CyanString("▶"), ev.SessionID)
	case orchestrator.EventTaskClaimed:
		return fmt.Sprintf("%s %s %s %s", ts, color.CyanString("→"), color.New(color.Bold).Sprint(ev.TaskID), ev.TaskTitle)
	case orchestrator.EventClaimConflict:
		return fmt.Sprintf("%s %s %s claimed by another session", ts, color.YellowString("↷"), ev.TaskID)
	case orchestrator.EventTaskOutput:
		if !p.verbose {
			return ""
		}
		return strings.TrimRight(ev.Message, "\n")
	case orchestrator.EventTaskCompleted:
		return fmt.Sprintf("%s %s %s %s", ts, color.GreenString("✓"), ev.TaskID, costSuffix(ev))
	case orchestrator.EventTaskFailed:
		reason := string(ev.Outcome)
		if ev.Reason != "" {
			reason += ": " + ev.Reason
		}
		line := fmt.Sprintf("%s %s %s (%s) %s", ts, color.RedString("✗"), ev.TaskID, reason, costSuffix(ev))
		if ev.Message != "" {
			line += "\n         " + firstLine(ev.Message)
		}
		return line
	case orchestrator.EventBreakerTripped:
		return fmt.Sprintf("%s %s %s", ts, color.RedString("⚡"), ev.Message)
	case orchestrator.EventBudgetWarning:
		return fmt.Sprintf("%s %s %s", ts, color.YellowString("⚠"), ev.Message)
	default:
		return ""
	}
}

func costSuffix(ev orchestrator.Event) string {
	return color.HiBlackString("[$%.2f, %d tokens]", ev.Cost, ev.Tokens)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// printExit writes the one-line stop reason and where the artifact is.
func printExit(w io.Writer, art *models.RunArtifact, artifactPath string) {
	if art == nil {
		return
	}
	c := color.New(color.FgGreen)
	symbol := "✓"
	switch art.ExitReason {
	case models.ExitNoReadyTasks:
	case models.ExitTaskFailed, models.ExitError:
		c, symbol = color.New(color.FgRed), "✗"
	default:
		c, symbol = color.New(color.FgYellow), "■"
	}
	msg := art.Message
	if art.Error != "" {
		msg += ": " + art.Error
	}
	fmt.Fprintf(w, "%s %s (%d done, %d failed, $%.2f)\n", c.Sprint(symbol), msg,
		len(art.TasksCompleted), len(art.TasksFailed), art.Budget.Cost)
	fmt.Fprintf(w, "  artifact: %s\n", artifactPath)
}
