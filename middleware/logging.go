package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobqueue/job"
)

// Logging returns middleware that logs each execution attempt and its
// outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job started",
			slog.String("job_name", j.Name),
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}

		logger.Info("job completed",
			slog.String("job_name", j.Name),
			slog.String("job_id", j.ID.String()),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
