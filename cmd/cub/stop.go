package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/orchestrator"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask running loops to stop after their current task",
	Long: `Create the stop file under .cub/signals. Every loop of this project,
including the children of 'cub parallel', finishes the task it is working
on, records it and exits with reason stop_signal.

The file is cleared by the next top-level 'cub run'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}
		defer p.Close()
		if err := orchestrator.RequestStop(p.root); err != nil {
			return fmt.Errorf("request stop: %w", err)
		}
		printStatus("■", "Stop requested: "+orchestrator.StopFile(p.root), color.FgYellow)
		return nil
	},
}
