/*
Package retry runs an operation until it succeeds, fails permanently or
exhausts its attempt budget.

The same loop drives the broker readiness gate (constant interval, no
jitter) and handler retries in the subscriber (exponential backoff).
*/
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds the retry budget and the delay schedule.
type Config struct {
	MaxAttempts  int           // Attempts including the first one. Values below 1 mean 1.
	InitialDelay time.Duration // Delay before the second attempt.
	MaxDelay     time.Duration // Upper bound of any delay.
	Multiplier   float64       // Growth factor between delays; 1 gives a constant interval.
	Jitter       float64       // Relative jitter applied to each delay, in [0, 1].
}

// DefaultConfig returns the backoff used for handler retries.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// Constant returns a schedule of attempts separated by a fixed interval.
func Constant(attempts int, interval time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: interval,
		MaxDelay:     interval,
		Multiplier:   1,
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that DoWithCallback stops at once. It returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// Result describes a finished retry loop.
type Result struct {
	Attempts int           // Attempts actually executed.
	Duration time.Duration // Wall time of the whole loop.
	Err      error         // Last error, or the context error; nil on success.
}

// DoWithCallback runs fn until it returns nil, returns a permanent error,
// or cfg.MaxAttempts attempts have failed. onRetry, when set, is called
// after each failed attempt that will be retried, with the delay about to
// be waited.
//
// Cancelling ctx interrupts the wait between attempts; the returned Result
// then carries ctx.Err().
//
// Parameters:
//   - ctx: cancellation of the whole loop.
//   - cfg: budget and schedule.
//   - fn: the operation.
//   - onRetry: optional observer of failed attempts.
func DoWithCallback(ctx context.Context, cfg Config, fn func() error, onRetry func(attempt int, err error, nextDelay time.Duration)) Result {
	start := time.Now()
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Duration: time.Since(start), Err: err}
		}

		err := fn()
		if err == nil {
			return Result{Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if IsPermanent(err) || attempt == maxAttempts {
			return Result{Attempts: attempt, Duration: time.Since(start), Err: err}
		}

		delay := calculateDelay(attempt, cfg)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return Result{Attempts: attempt, Duration: time.Since(start), Err: err}
		}
	}

	return Result{Attempts: maxAttempts, Duration: time.Since(start), Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// calculateDelay returns the wait after the given failed attempt.
func calculateDelay(attempt int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
