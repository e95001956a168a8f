package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobqueue/job"
)

// instrumentationName is the OTel scope for spans and instruments.
const instrumentationName = "github.com/xraph/jobqueue"

// Tracing returns middleware that wraps each run in a span from the global
// TracerProvider. Without a configured provider the noop tracer is used.
//
// Span attributes: jobqueue.job.id, jobqueue.job.name, jobqueue.job.attempt,
// jobqueue.job.priority and jobqueue.job.recurring.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "jobqueue.job.execute",
			trace.WithAttributes(
				attribute.String("jobqueue.job.id", j.ID.String()),
				attribute.String("jobqueue.job.name", j.Name),
				attribute.Int("jobqueue.job.attempt", j.Attempts),
				attribute.Int("jobqueue.job.priority", j.Priority),
				attribute.Bool("jobqueue.job.recurring", j.IsRecurring()),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
