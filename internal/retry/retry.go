// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// BackoffFunc returns the delay to wait after the given failed attempt
// (attempt numbers start at 1).
type BackoffFunc func(attempt int) time.Duration

// Exponential returns a BackoffFunc starting at initial, multiplied by
// factor after each attempt and capped at max (zero max means uncapped).
func Exponential(initial time.Duration, factor float64, max time.Duration) BackoffFunc {
	if factor < 1 {
		factor = 1
	}
	return func(attempt int) time.Duration {
		d := float64(initial)
		for i := 1; i < attempt; i++ {
			d *= factor
		}
		delay := time.Duration(d)
		if max > 0 && delay > max {
			delay = max
		}
		return delay
	}
}

// Constant waits the same duration after every attempt.
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn up to maxAttempts times, sleeping backoff(attempt) between
// failures. The last error is returned once attempts are exhausted.
func Do[T any](ctx context.Context, maxAttempts int, backoff BackoffFunc, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff == nil {
		backoff = Constant(0)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}

	return zero, lastErr
}
