package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/observability"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestJob() *job.Job {
	return &job.Job{ID: id.NewJobID(), Name: "send-email"}
}

// counterValue returns the summed value of the named counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		metric string
		fire   func(*observability.MetricsExtension, *job.Job) error
	}{
		{"jobqueue.job.enqueued", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobEnqueued(ctx, j) }},
		{"jobqueue.job.completed", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobCompleted(ctx, j, 100*time.Millisecond)
		}},
		{"jobqueue.job.failed", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobFailed(ctx, j, errors.New("boom"))
		}},
		{"jobqueue.job.retried", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobRetrying(ctx, j, 1, time.Now())
		}},
		{"jobqueue.job.dead_letter", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobDLQ(ctx, j, errors.New("boom"))
		}},
		{"jobqueue.job.replayed", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobReplayed(ctx, j) }},
		{"jobqueue.job.rescheduled", func(e *observability.MetricsExtension, j *job.Job) error {
			return e.OnJobRescheduled(ctx, j, time.Now())
		}},
		{"jobqueue.job.expired", func(e *observability.MetricsExtension, j *job.Job) error { return e.OnJobExpired(ctx, j) }},
	}

	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			e, reader := newTestExtension()
			for range 2 {
				if err := tt.fire(e, newTestJob()); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if got := counterValue(t, reader, tt.metric); got != 2 {
				t.Errorf("%s = %d, want 2", tt.metric, got)
			}
		})
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension()
	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobCompleted(ctx, j, time.Millisecond)
	reg.EmitJobFailed(ctx, j, errors.New("x"))

	for name, want := range map[string]int64{
		"jobqueue.job.enqueued":  1,
		"jobqueue.job.completed": 1,
		"jobqueue.job.failed":    1,
		"jobqueue.job.retried":   0,
	} {
		if got := counterValue(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}
