package middleware

import (
	"context"

	"github.com/xraph/jobqueue/job"
)

// Handler is the terminal function that runs the job's registered handler.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// claimed record and the next handler in the chain, and must call next
// unless it is deliberately short-circuiting.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes mws into one Middleware. The first element is the
// outermost wrapper:
//
//	Chain(logging, recover, timeout) runs logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}
