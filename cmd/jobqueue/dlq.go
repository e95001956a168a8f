package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/jobqueue/filter"
	"github.com/xraph/jobqueue/id"
)

func newDLQCmd(a *app) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}
	dlq.AddCommand(newDLQListCmd(a), newDLQReplayCmd(a))
	return dlq
}

func newDLQListCmd(a *app) *cobra.Command {
	var (
		where  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List dead-lettered jobs in the order they failed",
		Example: `  jobqueue dlq list --where 'attempts > 2 && name == "email"'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := filter.Compile(where)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			jobs, err := q.ListDeadLetter(ctx)
			if err != nil {
				return err
			}
			if jobs, err = f.Select(jobs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				summaries := make([]any, 0, len(jobs))
				for _, j := range jobs {
					summaries = append(summaries, j.Summary())
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs in dead letter queue")
				return nil
			}
			fmt.Fprintf(out, "Found %d jobs in DLQ:\n\n", len(jobs))
			for i, j := range jobs {
				lastErr := j.Error
				if lastErr == "" {
					lastErr = "Unknown"
				}
				fmt.Fprintf(out, "%d. Job ID: %s\n   Name: %s\n   Attempts: %d\n   Error: %s\n\n",
					i+1, j.ID, j.Name, j.Attempts, lastErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "CEL filter over id, name, status, attempts, last_error, payload, ...")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print summaries as JSON")
	return cmd
}

func newDLQReplayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <job-id>...",
		Short: "Return dead-lettered jobs to the queue with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]id.JobID, 0, len(args))
			for _, arg := range args {
				jobID, err := id.ParseJobID(arg)
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", arg, err)
				}
				ids = append(ids, jobID)
			}

			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			for _, jobID := range ids {
				j, err := q.ReplayDeadLetter(ctx, jobID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s (%s)\n", j.ID, j.Name)
			}
			return nil
		},
	}
}
