package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobqueue/job"
)

// Metrics returns middleware that records per-run metrics with the global
// MeterProvider.
//
// Instruments:
//   - jobqueue.job.duration (Float64Histogram, seconds)
//   - jobqueue.job.executions (Int64Counter)
//   - jobqueue.job.attempt (Int64Histogram, the attempt number of the run)
//
// All carry job_name, status ("ok" or "error"), priority and recurring.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter returns metrics middleware using meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"jobqueue.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"jobqueue.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)
	attempt, _ := meter.Int64Histogram(
		"jobqueue.job.attempt",
		metric.WithDescription("Attempt number of each job execution"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_name", j.Name),
			attribute.String("status", status),
			attribute.Int("priority", j.Priority),
			attribute.Bool("recurring", j.IsRecurring()),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		attempt.Record(ctx, int64(j.Attempts), attrs)
		return err
	}
}
