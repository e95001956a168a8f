package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.JobEnqueued    = (*MetricsExtension)(nil)
	_ ext.JobCompleted   = (*MetricsExtension)(nil)
	_ ext.JobFailed      = (*MetricsExtension)(nil)
	_ ext.JobRetrying    = (*MetricsExtension)(nil)
	_ ext.JobDLQ         = (*MetricsExtension)(nil)
	_ ext.JobReplayed    = (*MetricsExtension)(nil)
	_ ext.JobRescheduled = (*MetricsExtension)(nil)
	_ ext.JobExpired     = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/jobqueue/observability"

// MetricsExtension records lifecycle counters through an OTel meter.
// Every instrument carries a job_name attribute.
type MetricsExtension struct {
	enqueued    metric.Int64Counter
	completed   metric.Int64Counter
	failed      metric.Int64Counter
	retried     metric.Int64Counter
	deadLetter  metric.Int64Counter
	replayed    metric.Int64Counter
	rescheduled metric.Int64Counter
	expired     metric.Int64Counter
	runTime     metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	runTime, _ := meter.Float64Histogram("jobqueue.job.run_time",
		metric.WithDescription("Handler time of completed jobs in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		enqueued:    counter("jobqueue.job.enqueued", "Jobs admitted to the queue"),
		completed:   counter("jobqueue.job.completed", "Jobs that completed successfully"),
		failed:      counter("jobqueue.job.failed", "Failed job runs"),
		retried:     counter("jobqueue.job.retried", "Jobs scheduled for another attempt"),
		deadLetter:  counter("jobqueue.job.dead_letter", "Jobs moved to the dead-letter pool"),
		replayed:    counter("jobqueue.job.replayed", "Dead-lettered jobs replayed"),
		rescheduled: counter("jobqueue.job.rescheduled", "Recurring jobs rescheduled"),
		expired:     counter("jobqueue.job.expired", "Recurring jobs dropped with no next run"),
		runTime:     runTime,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func nameAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job_name", j.Name))
}

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, nameAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, nameAttr(j))
	m.runTime.Record(ctx, elapsed.Seconds(), nameAttr(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, nameAttr(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, nameAttr(j))
	return nil
}

// OnJobDLQ implements ext.JobDLQ.
func (m *MetricsExtension) OnJobDLQ(ctx context.Context, j *job.Job, _ error) error {
	m.deadLetter.Add(ctx, 1, nameAttr(j))
	return nil
}

// OnJobReplayed implements ext.JobReplayed.
func (m *MetricsExtension) OnJobReplayed(ctx context.Context, j *job.Job) error {
	m.replayed.Add(ctx, 1, nameAttr(j))
	return nil
}

// OnJobRescheduled implements ext.JobRescheduled.
func (m *MetricsExtension) OnJobRescheduled(ctx context.Context, j *job.Job, _ time.Time) error {
	m.rescheduled.Add(ctx, 1, nameAttr(j))
	return nil
}

// OnJobExpired implements ext.JobExpired.
func (m *MetricsExtension) OnJobExpired(ctx context.Context, j *job.Job) error {
	m.expired.Add(ctx, 1, nameAttr(j))
	return nil
}
