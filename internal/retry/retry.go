// Package retry runs an operation a bounded number of times with a
// configurable backoff between attempts and an optional per-attempt
// deadline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted matches any *ExhaustedError.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the error of the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is makes errors.Is(err, ErrExhausted) work.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Backoff creates the delay schedule for one run of a policy.
type Backoff func() backoff.BackOff

// linear waits n*base after the n-th failure.
type linear struct {
	base time.Duration
	n    int
}

func (l *linear) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.base
}

func (l *linear) Reset() { l.n = 0 }

// Linear waits base, 2*base, 3*base...
func Linear(base time.Duration) Backoff {
	return func() backoff.BackOff { return &linear{base: base} }
}

// Exponential waits base, 2*base, 4*base... without jitter.
func Exponential(base time.Duration) Backoff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = 1 << 62
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
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

// sleepTimer lets a SleepFunc stand in for the backoff timer.
type sleepTimer struct {
	ctx   context.Context
	sleep SleepFunc
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	// a cancelled ctx is noticed by the retry loop
	_ = t.sleep(t.ctx, d)
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

// Policy describes how an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	Backoff  Backoff
	// Timeout bounds each attempt when > 0. A timed out attempt counts as
	// a failure and is retried like any other.
	Timeout time.Duration
	Sleep   SleepFunc
	// Retryable reports whether a failed attempt may be retried. Errors it
	// rejects are returned as is. Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx is done.
// attempt passed to fn is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	var schedule backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Backoff != nil {
		schedule = p.Backoff()
	}
	schedule = backoff.WithContext(backoff.WithMaxRetries(schedule, uint64(attempts-1)), ctx) //nolint:gosec

	var (
		value     T
		attempt   int
		permanent bool
	)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			permanent = true
			return backoff.Permanent(err)
		}
		attempt++
		v, err := runAttempt(ctx, p.Timeout, attempt, fn)
		if err == nil {
			value = v
			return nil
		}
		// the caller gave up, not the operation
		if ctx.Err() != nil {
			permanent = true
			return backoff.Permanent(ctx.Err())
		}
		if p.Retryable != nil && !p.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, schedule, notify, &sleepTimer{ctx: ctx, sleep: sleep})
	switch {
	case err == nil:
		return value, nil
	case permanent || ctx.Err() != nil:
		return zero, err
	default:
		return zero, &ExhaustedError{Attempts: attempt, Last: err}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(attemptCtx, attempt)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return v, &TimeoutError{After: timeout, Cause: err}
	}
	return v, err
}

// TimeoutError reports that a single attempt ran past its deadline.
type TimeoutError struct {
	After time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }
