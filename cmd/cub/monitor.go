package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/tui"
)

var monitorSession string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a running session",
	Long: `Open a live view of a run loop session: its state, active task, spend
and the outcomes it has recorded so far.

The monitor only reads files under .cub, so it can be started before,
during or after 'cub run' in another terminal. Without --session it
follows the most recently updated session. It exits on q or when the
session exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}
		defer p.Close()
		led, err := p.Ledger()
		if err != nil {
			return err
		}

		loader := &tui.ProjectLoader{ProjectRoot: p.root, SessionID: monitorSession, Ledger: led}
		snap, err := tui.RunMonitor(cmd.Context(), loader, p.cfg.TUI.RefreshRate)
		if err != nil {
			return err
		}
		if snap.Found && snap.Status.Finished() {
			printStatus("■", "Session "+snap.Status.SessionID+" exited: "+string(snap.Status.ExitReason), color.FgCyan)
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorSession, "session", "", "Session id to follow (default: latest)")
}
