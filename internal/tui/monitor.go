package tui

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lavallee/cub/internal/ledger"
	"github.com/lavallee/cub/internal/orchestrator"
	"github.com/lavallee/cub/pkg/models"
)

// Snapshot is what the monitor shows on one refresh.
type Snapshot struct {
	// Found is false until a status snapshot exists on disk.
	Found  bool
	Status orchestrator.Status
	// Recent holds the session's latest ledger entries, oldest first.
	Recent []models.LedgerEntry
}

// Loader produces snapshots for the monitor.
type Loader interface {
	Load() (Snapshot, error)
}

// ProjectLoader reads snapshots from a project's .cub directory.
type ProjectLoader struct {
	ProjectRoot string
	// SessionID pins the monitor to one session. Empty follows the most
	// recently updated status snapshot.
	SessionID string
	Ledger    *ledger.Ledger
	// Limit caps Recent. Zero means 8.
	Limit int
}

// Load reads the current snapshot. A project without runs yields an
// empty snapshot rather than an error.
func (p *ProjectLoader) Load() (Snapshot, error) {
	path := orchestrator.StatusPath(p.ProjectRoot, p.SessionID)
	if p.SessionID == "" {
		latest, err := orchestrator.LatestStatusPath(p.ProjectRoot)
		if errors.Is(err, orchestrator.ErrNoRuns) {
			return Snapshot{}, nil
		}
		if err != nil {
			return Snapshot{}, err
		}
		path = latest
	}

	st, err := orchestrator.ReadStatus(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Found: true, Status: st}

	if p.Ledger != nil {
		entries, err := p.Ledger.ByRun(st.SessionID)
		if err != nil {
			return snap, fmt.Errorf("read ledger: %w", err)
		}
		limit := p.Limit
		if limit <= 0 {
			limit = 8
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		snap.Recent = entries
	}
	return snap, nil
}

type tickMsg time.Time

type snapshotMsg struct {
	snap Snapshot
	err  error
}

// Monitor is a read-only bubbletea model following one run loop session.
// It quits on q or ctrl+c, and by itself once the session exits.
type Monitor struct {
	loader  Loader
	refresh time.Duration
	spinner spinner.Model
	styles  styles
	now     func() time.Time

	snap     Snapshot
	err      error
	width    int
	quitting bool
}

// NewMonitor creates a monitor polling loader every refresh interval.
func NewMonitor(loader Loader, refresh time.Duration) *Monitor {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	st := newStyles()
	return &Monitor{
		loader:  loader,
		refresh: refresh,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("205"))),
		),
		styles: st,
		now:    time.Now,
		width:  80,
	}
}

// Snapshot returns the last snapshot loaded.
func (m *Monitor) Snapshot() Snapshot {
	return m.snap
}

// Init starts the spinner and the first load.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m *Monitor) load() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.loader.Load()
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *Monitor) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, m.load()
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
		if m.snap.Found && m.snap.Status.Finished() {
			return m, tea.Quit
		}
		return m, m.tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the monitor.
func (m *Monitor) View() string {
	s := m.styles
	var b strings.Builder

	b.WriteString(s.header.Render("cub monitor"))
	b.WriteString("\n\n")

	if !m.snap.Found {
		b.WriteString(m.spinner.View() + " waiting for a run to start\n")
		m.footer(&b)
		return b.String()
	}

	st := m.snap.Status
	if st.Finished() {
		b.WriteString(s.row("Exited:", s.exitReason(st.ExitReason)))
	} else {
		b.WriteString(s.row("State:", m.spinner.View()+" "+s.state.Render(string(st.State))))
	}
	b.WriteString(s.row("Session:", s.value.Render(st.SessionID)+s.muted.Render(fmt.Sprintf(" pid %d", st.PID))))
	b.WriteString(s.row("Harness:", s.value.Render(st.Harness)))
	if st.Epic != "" {
		b.WriteString(s.row("Epic:", s.value.Render(st.Epic)))
	}
	if st.ActiveTask != "" {
		b.WriteString(s.row("Task:", s.value.Render(st.ActiveTask)+" "+truncate(st.ActiveTitle, m.width-30)))
	}
	b.WriteString(s.row("Iteration:", s.value.Render(fmt.Sprintf("%d", st.Iterations))))
	b.WriteString(s.row("Tasks:", fmt.Sprintf("%s done, %s failed",
		s.success.Render(fmt.Sprintf("%d", st.Completed)),
		s.failure.Render(fmt.Sprintf("%d", st.Failed)))))

	cost, pct := costLine(st.Budget.Cost, st.Budget.MaxTotalCost)
	b.WriteString(s.row("Cost:", s.value.Render(cost)))
	if pct >= 0 {
		b.WriteString(s.row("", s.progressBar(pct, 30)))
	}
	tokens, tpct := tokenLine(st.Budget.Tokens, st.Budget.MaxTotalTokens)
	b.WriteString(s.row("Tokens:", s.value.Render(tokens)))
	if tpct >= 0 {
		b.WriteString(s.row("", s.progressBar(tpct, 30)))
	}

	end := m.now()
	if st.Finished() {
		end = st.UpdatedAt
	}
	if !st.StartedAt.IsZero() {
		b.WriteString(s.row("Elapsed:", s.value.Render(formatDuration(end.Sub(st.StartedAt)))))
	}

	if len(m.snap.Recent) > 0 {
		b.WriteString("\n")
		b.WriteString(s.label.Render("Recent:"))
		b.WriteString("\n")
		for _, e := range m.snap.Recent {
			line := fmt.Sprintf("  %s %s  $%.2f", s.outcome(e.Outcome), e.TaskID, e.Cost)
			if e.Reason != "" {
				line += s.muted.Render(" (" + e.Reason + ")")
			}
			if e.Summary != "" {
				line += "  " + truncate(e.Summary, 50)
			}
			b.WriteString(line + "\n")
		}
	}
	m.footer(&b)
	return b.String()
}

func (m *Monitor) footer(b *strings.Builder) {
	if m.err != nil {
		b.WriteString("\n" + m.styles.failure.Render("error: "+m.err.Error()) + "\n")
	}
	if !m.quitting {
		b.WriteString("\n" + m.styles.muted.Render("q quit") + "\n")
	}
}

// RunMonitor runs the monitor until the user quits, the session exits or
// ctx is cancelled, and returns the last snapshot shown.
func RunMonitor(ctx context.Context, loader Loader, refresh time.Duration) (Snapshot, error) {
	m := NewMonitor(loader, refresh)
	p := tea.NewProgram(m, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}
