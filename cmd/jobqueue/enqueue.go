package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/jobqueue/job"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		priority   int
		maxRetries int
		delay      time.Duration
		timeout    time.Duration
		cronExpr   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <name> [payload-json]",
		Short: "Add a job to the queue",
		Example: `  jobqueue enqueue echo '{"message":"hello"}'
  jobqueue enqueue shell '{"command":"make backup"}' --cron '@daily'
  jobqueue enqueue sleep '{"duration":"30s"}' --priority 5 --delay 1m`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
				if !json.Valid(payload) {
					return fmt.Errorf("payload is not valid JSON: %s", args[1])
				}
			}

			opts := []job.Option{job.WithPriority(priority)}
			if cmd.Flags().Changed("max-retries") {
				opts = append(opts, job.WithMaxRetries(maxRetries))
			}
			if delay > 0 {
				opts = append(opts, job.WithDelay(delay))
			}
			if timeout > 0 {
				opts = append(opts, job.WithTimeout(timeout))
			}
			if cronExpr != "" {
				opts = append(opts, job.WithCron(cronExpr))
			}

			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			defer q.Close()

			jobID, err := q.Submit(ctx, args[0], payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&priority, "priority", "p", 0, "higher runs first")
	f.IntVar(&maxRetries, "max-retries", job.DefaultOptions().MaxRetries, "retries after the first failure")
	f.DurationVar(&delay, "delay", 0, "wait this long before the job becomes eligible")
	f.DurationVar(&timeout, "timeout", 0, "per-run execution timeout")
	f.StringVar(&cronExpr, "cron", "", "cron schedule for a recurring job")
	return cmd
}
