// Package retry runs an operation a bounded number of times, waiting between
// attempts and giving up early on cancellation or a permanent error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff returns the wait after the given 1-indexed failed attempt.
type Backoff func(attempt int) time.Duration

// Fixed waits the same delay after every failed attempt.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Quadratic waits base * attempt².
func Quadratic(base time.Duration) Backoff {
	return func(attempt int) time.Duration { return base * time.Duration(attempt*attempt) }
}

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first one.
	MaxAttempts int
	// Backoff defaults to no delay.
	Backoff Backoff
	// OnRetry runs after a failed attempt, before the wait. attempt is 1-indexed.
	OnRetry func(attempt int, err error)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn up to cfg.MaxAttempts times and returns nil on the first
// success, otherwise the last error.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt-1, err)
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		var delay time.Duration
		if cfg.Backoff != nil {
			delay = cfg.Backoff(attempt)
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
