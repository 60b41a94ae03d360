package gosubs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts is the total number of attempts for a transient failure: the first
	// call and up to 3 retries.
	DefaultMaxAttempts = 4

	// DefaultAttemptTimeout bounds every outbound call.
	DefaultAttemptTimeout = 10 * time.Second
)

// RetryPolicy parameterizes Retry. Zero values take defaults.
type RetryPolicy struct {
	// Operation names the call in metrics and logs.
	Operation string

	// MaxAttempts is the total number of attempts including the first (default: 4).
	MaxAttempts int

	// Backoff returns a fresh backoff policy per Retry call (default: exponential, 200ms initial).
	Backoff func() backoff.BackOff

	// IsRetryable reports whether an error is worth another attempt
	// (default: errors.Is(err, ErrTransientFailure)).
	IsRetryable func(error) bool

	// AttemptTimeout bounds each attempt. A timed-out attempt counts as transient.
	// Zero means DefaultAttemptTimeout; negative disables the per-attempt deadline.
	AttemptTimeout time.Duration

	// OnRetry is invoked before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff is the exponential policy used when RetryPolicy.Backoff is nil.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// IsTransient is the default retry predicate.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFailure)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff == nil {
		p.Backoff = DefaultBackoff
	}
	if p.IsRetryable == nil {
		p.IsRetryable = IsTransient
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// Retry runs fn until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
// The last error is returned unchanged so callers can classify it with errors.Is.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	p := policy.withDefaults()

	b := backoff.WithContext(backoff.WithMaxRetries(p.Backoff(), uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && ctx.Err() != nil && lastErr != nil && !errors.Is(err, lastErr) {
		return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
	}
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout < 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(actx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// the attempt deadline fired, not the caller's
		return Transient(fmt.Errorf("attempt timed out after %s: %w", timeout, err))
	}
	return err
}
