package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/orchestrator"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/internal/tui"
)

var statusEpic string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts, the ready queue and recent runs",
	Long: `Display the state of the project:

  - Task counts by status
  - The ready queue in the order the loop would pick it
  - Sessions that are running right now
  - The last run and how it ended
  - Epic branches and their pull requests`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusEpic, "epic", "", "Only show tasks of this epic")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := buildStatusReport(ctx, p, statusEpic)
	if err != nil {
		return err
	}
	fmt.Print(tui.RenderStatus(report))
	return nil
}

func buildStatusReport(ctx context.Context, p *project, epic string) (tui.StatusReport, error) {
	report := tui.StatusReport{Epic: epic}

	source, err := p.TaskSource()
	if err != nil {
		return report, err
	}
	all, err := source.ListTasks(ctx, epic)
	if err != nil {
		return report, fmt.Errorf("list tasks: %w", err)
	}
	report.Counts = tasks.Counts(all)
	if report.Ready, err = source.ReadyTasks(ctx, epic); err != nil {
		return report, fmt.Errorf("list ready tasks: %w", err)
	}

	led, err := p.Ledger()
	if err != nil {
		return report, err
	}
	markers, err := led.Markers().Active()
	if err != nil {
		warnf("read run markers: %v", err)
	}
	for _, m := range markers {
		st, err := orchestrator.ReadStatus(orchestrator.StatusPath(p.root, m.SessionID))
		if err != nil {
			st = orchestrator.Status{SessionID: m.SessionID, PID: m.PID, Epic: m.Epic, StartedAt: m.StartedAt}
		}
		report.Live = append(report.Live, st)
	}

	db, err := p.DB()
	if err != nil {
		return report, err
	}
	runs, err := db.ListRuns(ctx, 1)
	if err != nil {
		return report, fmt.Errorf("list runs: %w", err)
	}
	if len(runs) > 0 {
		report.LastRun = &runs[0]
	}
	if report.Bindings, err = db.ListBindings(ctx); err != nil {
		return report, fmt.Errorf("list branch bindings: %w", err)
	}
	return report, nil
}
