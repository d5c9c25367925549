// Package retry provides a bounded exponential-backoff wrapper for operations
// that may fail transiently (outbox deliveries, snapshot fetches).
//
// The delay before retry n (0-based) is BaseDelay * 2^n, capped at MaxDelay,
// optionally randomized by Jitter to spread reconnect storms. Attempts are
// bounded by MaxAttempts, never by wall-clock time: a slow attempt that
// eventually succeeds still succeeds.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 0.2
)

// Policy configures Run and Do. The zero value is usable and picks the
// defaults above.
type Policy struct {
	MaxAttempts int           // total attempts including the first (>= 1)
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // upper bound for a single delay
	Jitter      float64       // randomization factor in [0,1]; 0 disables

	// OnRetry, when set, is called before each wait with the 1-based number
	// of the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ExhaustedError is returned when every attempt failed, the failure was
// permanent, or the context ended between attempts. Err is the last failure.
type ExhaustedError struct {
	Attempts  int
	Permanent bool
	Err       error
}

func (e *ExhaustedError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable; Run stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was produced by Permanent or is an
// ExhaustedError caused by one.
func IsPermanent(err error) bool {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Permanent
	}
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// normalized returns p with defaults applied.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the un-jittered wait before retry n (0-based).
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Run calls fn until it succeeds or the policy gives up, and returns nil or
// an *ExhaustedError wrapping the last failure.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}

	attempts := 0
	var last error
	op := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil {
			last = err
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempts, err, wait)
		}))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return v, nil
	}

	var zero T
	switch {
	case last == nil:
		// Context ended before the first attempt ran.
		return zero, &ExhaustedError{Attempts: attempts, Err: err}
	case ctx.Err() != nil && attempts < p.MaxAttempts && !errors.Is(err, last):
		return zero, &ExhaustedError{Attempts: attempts, Err: errors.Join(last, context.Cause(ctx))}
	}
	var perm *backoff.PermanentError
	return zero, &ExhaustedError{
		Attempts:  attempts,
		Permanent: errors.As(last, &perm),
		Err:       unwrapPermanent(last),
	}
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
