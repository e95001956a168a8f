// Package backoff provides pluggable retry delay strategies.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultBase is the base delay of the default exponential strategy.
const DefaultBase = 60 * time.Second

// Strategy computes the delay before a job becomes eligible again.
type Strategy interface {
	// Delay returns how long to wait given the number of attempts the job
	// has already made. The first retry is computed with attempts == 1.
	Delay(attempts int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempts, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempts, capped at Max.
func (l *Linear) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if l.Initial > 0 && time.Duration(attempts) > math.MaxInt64/l.Initial {
		return capped(time.Duration(math.MaxInt64), l.Max)
	}
	return capped(l.Initial*time.Duration(attempts), l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^attempts, Max). A zero Max means no ceiling; the
// result saturates at the largest representable duration instead of
// overflowing.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^attempts, capped at Max.
func (e *Exponential) Delay(attempts int) time.Duration {
	return capped(exponential(e.Base, attempts), e.Max)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * 2^attempts, Max)].
type ExponentialWithJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * 2^attempts, Max)].
func (e *ExponentialWithJitter) Delay(attempts int) time.Duration {
	ceiling := capped(exponential(e.Base, attempts), e.Max)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default retry backoff: 60s * 2^attempts
// with no ceiling.
func DefaultStrategy() Strategy {
	return NewExponential(DefaultBase, 0)
}

func exponential(base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if base <= 0 {
		return 0
	}
	if attempts >= 63 || base > math.MaxInt64>>uint(attempts) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(attempts)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
