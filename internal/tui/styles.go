package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lavallee/cub/pkg/models"
)

type styles struct {
	header   lipgloss.Style
	label    lipgloss.Style
	value    lipgloss.Style
	state    lipgloss.Style
	success  lipgloss.Style
	warning  lipgloss.Style
	failure  lipgloss.Style
	muted    lipgloss.Style
	barFull  lipgloss.Style
	barEmpty lipgloss.Style
}

func newStyles() styles {
	return styles{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),
		state: lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true),
		success:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),  // green
		warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")), // orange
		failure:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")), // red
		muted:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		barFull:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		barEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func (s styles) row(label, value string) string {
	return s.label.Render(label) + " " + value + "\n"
}

// progressBar renders pct (0-100) as a bar of the given width. Anything
// past 90 percent is drawn in the warning color.
func (s styles) progressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	full := s.barFull
	if pct > 90 {
		full = s.warning
	}
	return "[" + full.Render(strings.Repeat("█", filled)) +
		s.barEmpty.Render(strings.Repeat("░", width-filled)) + "]"
}

func (s styles) outcome(o models.Outcome) string {
	switch o {
	case models.OutcomeSuccess:
		return s.success.Render("✓ " + string(o))
	case models.OutcomeInterrupted, models.OutcomeBudgetStopped:
		return s.warning.Render("■ " + string(o))
	default:
		return s.failure.Render("✗ " + string(o))
	}
}

func (s styles) exitReason(r models.ExitReason) string {
	switch r {
	case models.ExitNoReadyTasks:
		return s.success.Render(string(r))
	case models.ExitTaskFailed, models.ExitError:
		return s.failure.Render(string(r))
	default:
		return s.warning.Render(string(r))
	}
}

// formatNumber formats a number with comma separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		str = str[1:]
	}

	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if n < 0 {
		return "-" + b.String()
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// costLine renders spend against an optional ceiling.
func costLine(cost, ceiling float64) (string, float64) {
	if ceiling <= 0 {
		return fmt.Sprintf("$%.2f", cost), -1
	}
	pct := cost / ceiling * 100
	return fmt.Sprintf("$%.2f / $%.2f (%.1f%%)", cost, ceiling, pct), pct
}

func tokenLine(tokens, ceiling int64) (string, float64) {
	if ceiling <= 0 {
		return formatNumber(tokens), -1
	}
	pct := float64(tokens) / float64(ceiling) * 100
	return fmt.Sprintf("%s / %s (%.1f%%)", formatNumber(tokens), formatNumber(ceiling), pct), pct
}

func truncate(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if max < 4 {
		max = 4
	}
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
