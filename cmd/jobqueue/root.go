package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/internal/bootstrap"
	"github.com/xraph/jobqueue/queue"
)

// app carries the resolved configuration shared by every subcommand.
type app struct {
	configPath string
	backend    string
	dsn        string
	dataDir    string

	cfg    jobqueue.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "jobqueue",
		Short:        "Run and operate a background job queue",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "JSON config file")
	f.StringVar(&a.backend, "backend", "", "backend: memory, redis, postgres, sqlite, mongo, pebble")
	f.StringVar(&a.dsn, "dsn", "", "backend connection string")
	f.StringVar(&a.dataDir, "data-dir", "", "pebble data directory")

	root.AddCommand(
		newWorkCmd(a),
		newEnqueueCmd(a),
		newStatsCmd(a),
		newDLQCmd(a),
	)
	return root
}

// load resolves config as defaults, then the file, then JOBQUEUE_*
// variables, then flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := jobqueue.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	jobqueue.ConfigFromEnv(&cfg)
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.dsn != "" {
		cfg.DSN = a.dsn
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	a.cfg = cfg
	a.logger = bootstrap.NewLogger(cfg, cmd.ErrOrStderr())
	return nil
}

func (a *app) openBackend(ctx context.Context) (backend.Backend, error) {
	return bootstrap.OpenBackend(ctx, a.cfg, a.logger)
}

// openQueue opens a queue whose gauges reflect what the backend holds.
func (a *app) openQueue(ctx context.Context) (*queue.Queue, error) {
	b, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	q := queue.New(b, queue.WithLogger(a.logger))
	if err := q.Reconcile(ctx); err != nil {
		a.logger.Warn("failed to reconcile stats with backend", slog.String("error", err.Error()))
	}
	return q, nil
}
