// Package middleware provides composable wrappers around job execution.
//
// A [Middleware] wraps the call into a registered handler. Middleware are
// composed with [Chain]; the first element is the outermost wrapper.
//
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs each attempt and its outcome
//   - [Recover] converts panics into failures
//   - [Timeout] enforces the record's Timeout on the handler context
//   - [Tracing] wraps each run in an OpenTelemetry span
//   - [Metrics] records per-job duration and execution counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
package middleware
