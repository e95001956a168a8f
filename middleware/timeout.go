package middleware

import (
	"context"

	"github.com/xraph/jobqueue/job"
)

// Timeout returns middleware that bounds a run by the record's Timeout.
// Records without a timeout run under the caller's context unchanged.
// Handlers are expected to observe ctx and return once it is done.
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()
		return next(ctx)
	}
}
