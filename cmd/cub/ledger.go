package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/exitcode"
	"github.com/lavallee/cub/internal/ledger"
	"github.com/lavallee/cub/pkg/models"
)

var (
	ledgerJSON  bool
	ledgerLimit int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query and maintain the outcome ledger",
	Long: `The ledger is the append-only record of every task attempt, written by
the run loop and by 'cub hook record'. Entries are unique per
(task_id, session_id).

Queries read the derived indices; 'verify' replays the log and compares,
'rebuild' regenerates the indices from the log and 'repair' also cuts a
torn final line left by a crash.`,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the most recent entries",
	Args:  cobra.NoArgs,
	RunE: withLedger(func(led *ledger.Ledger, args []string) ([]models.LedgerEntry, error) {
		entries, err := led.Entries()
		if err != nil {
			return nil, err
		}
		if ledgerLimit > 0 && len(entries) > ledgerLimit {
			entries = entries[len(entries)-ledgerLimit:]
		}
		return entries, nil
	}),
}

var ledgerTaskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show every attempt at a task",
	Args:  cobra.ExactArgs(1),
	RunE: withLedger(func(led *ledger.Ledger, args []string) ([]models.LedgerEntry, error) {
		return led.ByTask(args[0])
	}),
}

var ledgerEpicCmd = &cobra.Command{
	Use:   "epic <epic-id>",
	Short: "Show the entries recorded under an epic",
	Args:  cobra.ExactArgs(1),
	RunE: withLedger(func(led *ledger.Ledger, args []string) ([]models.LedgerEntry, error) {
		return led.ByEpic(args[0])
	}),
}

var ledgerRunCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Show the entries of one run loop session",
	Args:  cobra.ExactArgs(1),
	RunE: withLedger(func(led *ledger.Ledger, args []string) ([]models.LedgerEntry, error) {
		return led.ByRun(args[0])
	}),
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the log and check the indices",
	Args:  cobra.NoArgs,
	RunE: withLedgerReport(true, func(led *ledger.Ledger) (ledger.Report, error) {
		return led.Verify()
	}),
}

var ledgerRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Regenerate the indices from the log",
	Args:  cobra.NoArgs,
	RunE: withLedgerReport(false, func(led *ledger.Ledger) (ledger.Report, error) {
		return led.Rebuild()
	}),
}

var ledgerRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Cut a torn final line and rebuild the indices",
	Args:  cobra.NoArgs,
	RunE: withLedgerReport(false, func(led *ledger.Ledger) (ledger.Report, error) {
		return led.Repair()
	}),
}

func init() {
	ledgerCmd.PersistentFlags().BoolVar(&ledgerJSON, "json", false, "Print entries as JSON lines")
	ledgerShowCmd.Flags().IntVarP(&ledgerLimit, "limit", "n", 20, "Number of entries to show (0 = all)")

	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerTaskCmd)
	ledgerCmd.AddCommand(ledgerEpicCmd)
	ledgerCmd.AddCommand(ledgerRunCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerRebuildCmd)
	ledgerCmd.AddCommand(ledgerRepairCmd)
}

func openProjectLedger() (*ledger.Ledger, func(), error) {
	p, err := openProject()
	if err != nil {
		return nil, nil, err
	}
	led, err := p.Ledger()
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return led, p.Close, nil
}

func withLedger(query func(*ledger.Ledger, []string) ([]models.LedgerEntry, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		led, done, err := openProjectLedger()
		if err != nil {
			return err
		}
		defer done()
		entries, err := query(led, args)
		if err != nil {
			return err
		}
		if ledgerJSON {
			return writeEntriesJSON(os.Stdout, entries)
		}
		writeEntries(os.Stdout, entries)
		return nil
	}
}

// withLedgerReport prints the replay report of op. With strict set, an
// inconsistent ledger exits non-zero.
func withLedgerReport(strict bool, op func(*ledger.Ledger) (ledger.Report, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		led, done, err := openProjectLedger()
		if err != nil {
			return err
		}
		defer done()
		report, err := op(led)
		if err != nil {
			return err
		}
		if ledgerJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			writeReport(os.Stdout, report)
		}
		if strict && !report.OK() {
			return &exitError{code: exitcode.Error}
		}
		return nil
	}
}

func writeEntriesJSON(w io.Writer, entries []models.LedgerEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func writeEntries(w io.Writer, entries []models.LedgerEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tTASK\tOUTCOME\tSESSION\tCOST\tDURATION\tSUMMARY")
	for _, e := range entries {
		outcome := string(e.Outcome)
		if e.Reason != "" {
			outcome += " (" + e.Reason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t$%.2f\t%s\t%s\n",
			e.RecordedAt.Local().Format("2006-01-02 15:04"),
			e.TaskID,
			outcome,
			e.SessionID,
			e.Cost,
			e.Duration.Round(time.Second),
			truncateSummary(e.Summary, 60))
	}
	tw.Flush()
}

func truncateSummary(s string, max int) string {
	s = firstLine(s)
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func writeReport(w io.Writer, r ledger.Report) {
	fmt.Fprintf(w, "entries:     %d\n", r.Entries)
	fmt.Fprintf(w, "log size:    %d bytes\n", r.LogSize)
	for _, p := range r.Malformed {
		fmt.Fprintf(w, "%s line %d: %s\n", color.RedString("malformed"), p.Line, p.Error)
	}
	for _, p := range r.Duplicates {
		fmt.Fprintf(w, "%s line %d: %s\n", color.YellowString("duplicate"), p.Line, p.Error)
	}
	if r.TornTail {
		fmt.Fprintf(w, "%s final line is incomplete (run 'cub ledger repair')\n", color.RedString("torn tail:"))
	}
	if r.IndexDrift {
		fmt.Fprintf(w, "%s indices differ from the log (run 'cub ledger rebuild')\n", color.YellowString("drift:"))
	}
	if r.OK() {
		fmt.Fprintf(w, "%s ledger is consistent\n", color.GreenString("✓"))
	} else {
		var issues []string
		if n := len(r.Malformed); n > 0 {
			issues = append(issues, fmt.Sprintf("%d malformed", n))
		}
		if n := len(r.Duplicates); n > 0 {
			issues = append(issues, fmt.Sprintf("%d duplicate", n))
		}
		if r.TornTail {
			issues = append(issues, "torn tail")
		}
		if r.IndexDrift {
			issues = append(issues, "index drift")
		}
		fmt.Fprintf(w, "%s %s\n", color.RedString("✗"), strings.Join(issues, ", "))
	}
}
