package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of backend calls.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff.
	MaxDelay time.Duration

	// AttemptTimeout is the liveness timeout of one attempt. An attempt
	// that does not return in time fails with BACKEND_UNAVAILABLE.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		AttemptTimeout: 30 * time.Second,
	}
}

// Backoff calculates exponential backoff with up to 25% random jitter
// added, so that runs failing together do not retry in lockstep.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if IsThrottled(err) {
		baseDelay *= 5
	}

	// delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Float64() * float64(delay) * 0.25)
	return delay + jitter
}

// RetryHook is called before each backoff with the 1-based retry number.
type RetryHook func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds, fails with a non-retryable error or
// exhausts the policy. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, onRetry RetryHook, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, onRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Retry for calls that return a value.
func Do[T any](ctx context.Context, p RetryPolicy, onRetry RetryHook, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result, err = runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !IsRetryable(err) {
			return result, err
		}
		if attempt >= p.MaxRetries {
			break
		}

		backoff := p.Backoff(attempt, err)
		if onRetry != nil {
			onRetry(attempt+1, err, backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, err
}

type attemptResult[T any] struct {
	value T
	err   error
}

// runAttempt runs fn in a goroutine so that a call ignoring its context
// still cannot stall the caller past timeout.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, NewBackendUnavailableError("backend call exceeded liveness timeout", r.err)
		}
		return r.value, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, NewBackendUnavailableError("backend call exceeded liveness timeout", attemptCtx.Err())
	}
}
