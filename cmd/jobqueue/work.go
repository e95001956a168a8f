package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/jobqueue/engine"
	"github.com/xraph/jobqueue/internal/builtin"
	"github.com/xraph/jobqueue/stats"
)

func newWorkCmd(a *app) *cobra.Command {
	var (
		workers     int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Start workers that run the built-in jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("workers") {
				a.cfg.Workers = workers
			}
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.MetricsAddr = metricsAddr
			}
			return a.work(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of concurrent workers")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (a *app) work(ctx context.Context) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	tracker := stats.NewTracker()
	eng, err := engine.New(b,
		engine.WithLogger(a.logger),
		engine.WithConfig(a.cfg),
		engine.WithTracker(tracker),
	)
	if err != nil {
		_ = b.Close()
		return err
	}
	defer eng.Close()
	builtin.Register(eng, a.logger)

	if err := eng.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("workers started",
		slog.Int("workers", eng.Pool().Concurrency()),
		slog.String("backend", a.cfg.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MetricsAddr != "" {
		srv := metricsServer(a.cfg.MetricsAddr, tracker)
		g.Go(func() error {
			a.logger.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("stopping workers")
		return eng.Stop(context.Background())
	})
	return g.Wait()
}

func metricsServer(addr string, tracker *stats.Tracker) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector(tracker, "jobqueue"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
