// Package observability provides an OpenTelemetry metrics extension that
// counts job lifecycle events: enqueue, completion, failure, retry,
// dead-letter, replay, reschedule and expiry.
//
// For per-execution tracing and metrics, see middleware.Tracing and
// middleware.Metrics.
package observability
