package job

import "time"

// Options configures per-job behavior such as retries, priority and
// scheduling.
type Options struct {
	// MaxRetries is the number of retries after the first failed attempt
	// before the job is dead-lettered.
	MaxRetries int

	// Priority determines dequeue ordering. Higher values are processed first.
	Priority int

	// Timeout bounds one execution. Zero means unlimited.
	Timeout time.Duration

	// RunAt schedules the first execution at an absolute time. Zero means
	// immediate. Takes precedence over Delay.
	RunAt time.Time

	// Delay schedules the first execution relative to creation.
	Delay time.Duration

	// Cron makes the job recurring on the given expression.
	Cron string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithDelay schedules the job to run d after it is created.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithCron makes the job recurring on a cron expression.
func WithCron(expr string) Option {
	return func(o *Options) {
		o.Cron = expr
	}
}
