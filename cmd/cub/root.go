package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/exitcode"
)

var (
	flagProject string
	flagConfig  string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "cub",
	Short: "Autonomous run loop for coding agents",
	Long: `cub picks ready tasks from a task backend, hands each one to a coding
agent harness (claude, codex, gemini, opencode or the built-in API agent),
verifies the result and records the outcome in an append-only ledger.

It keeps going until no task is ready, the budget runs out, the iteration
limit is hit or it is asked to stop. Every exit writes a run artifact under
.cub/runs.

Parallel epics run in separate git worktrees with 'cub parallel'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagDebug {
			os.Setenv("CUB_DEBUG", "1")
		}
		if flagProject != "" {
			if err := os.Chdir(flagProject); err != nil {
				return &exitError{code: exitcode.Usage, err: fmt.Errorf("project directory: %w", err)}
			}
		}
		return nil
	},
}

// exitError carries a process exit code out of a command. A nil err means
// the command already reported what happened.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return exitcode.Description(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitcode.Success
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			printError(ee.err)
		}
		return ee.code
	}
	printError(err)
	return exitcode.Error
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "Run as if cub was started in this directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file to use instead of the user and project files")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Mirror debug logging to stderr")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitcode.Usage, err: fmt.Errorf("%w\n\n%s", err, cmd.UsageString())}
	})

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(parallelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
