package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xraph/jobqueue/stats"
)

func newStatsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics",
		Long: `Print queue statistics. Pool sizes come from the backend; lifetime
totals only cover this process, so they are meaningful for "work" metrics
rather than here.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			s := q.Stats()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printStats(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printStats(w io.Writer, s stats.Snapshot) {
	row := func(label string, v uint64) {
		fmt.Fprintf(w, "│ %-20s %14d │\n", label+":", v)
	}
	fmt.Fprintln(w, "┌─────────────────────────────────────┐")
	fmt.Fprintln(w, "│ Queue Statistics                    │")
	fmt.Fprintln(w, "├─────────────────────────────────────┤")
	row("Total Enqueued", s.TotalEnqueued)
	row("Total Processed", s.TotalProcessed)
	row("Total Failed", s.TotalFailed)
	row("Total Retried", s.TotalRetried)
	row("Total Rescheduled", s.TotalRescheduled)
	row("Total Replayed", s.TotalReplayed)
	row("Total Expired", s.TotalExpired)
	row("Total Reaped", s.TotalReaped)
	fmt.Fprintln(w, "├─────────────────────────────────────┤")
	row("Pending", s.PendingCount)
	row("Running", s.RunningCount)
	row("Dead Letter", s.DeadLetterCount)
	fmt.Fprintln(w, "└─────────────────────────────────────┘")
}
