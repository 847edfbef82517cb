package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/pkg/models"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Entry points for harness hooks",
}

var hookRecordFile string

var hookRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a directly driven harness session in the ledger",
	Long: `Read one ledger entry as JSON from stdin (or --file) and record it with
source direct_session.

This is meant to be called from a harness session hook for work done
outside 'cub run'. The write is skipped when the hook fires inside a
loop-driven invocation (CUB_RUN_SESSION is set), or when a live run
loop owns the entry's session or is working on its task. Entries for
other sessions and tasks are recorded while loops run.

Required fields: task_id, session_id, outcome.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(os.Stdin)
		if hookRecordFile != "" {
			f, err := os.Open(hookRecordFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		entry, err := parseHookEntry(in)
		if err != nil {
			return err
		}

		led, done, err := openProjectLedger()
		if err != nil {
			return err
		}
		defer done()

		ok, reason, err := led.RecordDirect(entry, os.Getenv)
		if err != nil {
			return fmt.Errorf("record entry: %w", err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "%s skipped %s/%s: %s\n", color.YellowString("↷"), entry.TaskID, entry.SessionID, reason)
			return nil
		}
		printStatus("✓", fmt.Sprintf("Recorded %s/%s (%s)", entry.TaskID, entry.SessionID, entry.Outcome), color.FgGreen)
		return nil
	},
}

func init() {
	hookRecordCmd.Flags().StringVarP(&hookRecordFile, "file", "f", "", "Read the entry from a file instead of stdin")
	hookCmd.AddCommand(hookRecordCmd)
}

// parseHookEntry decodes and checks the entry a hook sends.
func parseHookEntry(r io.Reader) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	dec := json.NewDecoder(r)
	if err := dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return e, errors.New("no entry on input")
		}
		return e, fmt.Errorf("decode entry: %w", err)
	}
	switch {
	case e.TaskID == "":
		return e, errors.New("entry has no task_id")
	case e.SessionID == "":
		return e, errors.New("entry has no session_id")
	case e.Outcome == "":
		return e, errors.New("entry has no outcome")
	}
	return e, nil
}
