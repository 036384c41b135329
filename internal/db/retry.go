package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrStoreUnavailable is returned when a store call fails or times out after its single retry.
// It is never used for a missing row; repositories report those as (nil, nil).
var ErrStoreUnavailable = errors.New("store unavailable")

// RetryPolicy bounds store calls: each attempt gets Timeout, and a failed attempt is
// retried once after Backoff.
type RetryPolicy struct {
	Timeout time.Duration
	Backoff time.Duration
}

// DefaultRetryPolicy returns a 2s per-attempt timeout with a 50ms pause before the retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Timeout: 2 * time.Second, Backoff: 50 * time.Millisecond}
}

const maxAttempts = 2

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a definitive answer from the store (e.g. a unique violation). Do returns it
// unchanged, without a retry and without ErrStoreUnavailable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op with a per-attempt timeout and retries it at most once. The final failure is
// wrapped in ErrStoreUnavailable. Cancellation of ctx stops retries immediately.
func Do[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		attemptCtx, cancel := p.attemptContext(ctx)
		defer cancel()
		v, err := op(attemptCtx)
		var perm *permanentError
		if errors.As(err, &perm) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Backoff)),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		var zero T
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		return zero, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return v, nil
}

// Exec is Do for operations that return only an error.
func Exec(ctx context.Context, p RetryPolicy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (p RetryPolicy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}
