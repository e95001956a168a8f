package cron

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var (
	// ErrInvalidExpression is returned for expressions that do not parse.
	ErrInvalidExpression = errors.New("cron: invalid expression")

	// ErrNoNextRun is returned when an expression has no future occurrence.
	ErrNoNextRun = errors.New("cron: no next run")
)

// cronParser accepts five fields, six with a leading seconds field, and
// descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Parse parses a cron expression and returns the schedule.
func Parse(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	return sched, nil
}

// Next returns the first trigger time of expr strictly after now.
func Next(expr string, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoNextRun, expr, now.Format(time.RFC3339))
	}
	return next, nil
}

// Validate reports whether expr parses and fires at least once after now.
func Validate(expr string, now time.Time) error {
	_, err := Next(expr, now)
	return err
}
