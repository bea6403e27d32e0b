package backoff

import (
	"context"
	"time"
)

const (
	defaultBase = 2500 * time.Millisecond
	defaultStep = 250 * time.Millisecond
	defaultMax  = 4 * time.Second
)

// Schedule returns the wait before the next attempt.
// attempt counts completed attempts, starting at 1.
type Schedule interface {
	Delay(attempt int) time.Duration
}

// Linear grows the delay by a constant step and never exceeds the ceiling.
type Linear struct {
	base time.Duration
	step time.Duration
	max  time.Duration
}

// Option defines a function to configure the Linear schedule.
type Option func(*Linear)

// WithBase sets the delay before any attempt has been counted.
func WithBase(d time.Duration) Option {
	return func(l *Linear) {
		l.base = d
	}
}

// WithStep sets the per-attempt increment.
func WithStep(d time.Duration) Option {
	return func(l *Linear) {
		l.step = d
	}
}

// WithMax sets the hard ceiling.
func WithMax(d time.Duration) Option {
	return func(l *Linear) {
		l.max = d
	}
}

// NewLinear creates a linear schedule with default values and optional overrides.
// Defaults produce 2.75s, 3s, 3.25s ... capped at 4s.
func NewLinear(opts ...Option) *Linear {
	l := &Linear{
		base: defaultBase,
		step: defaultStep,
		max:  defaultMax,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.max < l.base {
		l.max = l.base
	}

	return l
}

// Delay returns min(base + attempt*step, max).
func (l *Linear) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// compare in steps first so a huge attempt count cannot overflow
	if l.step > 0 && time.Duration(attempt) > (l.max-l.base)/l.step {
		return l.max
	}

	d := l.base + time.Duration(attempt)*l.step
	if d > l.max {
		return l.max
	}

	return d
}

// Fixed waits the same amount regardless of attempt.
type Fixed time.Duration

// Delay implements Schedule.
func (f Fixed) Delay(int) time.Duration {
	return time.Duration(f)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
