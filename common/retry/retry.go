package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Error is returned when all attempts are exhausted
type Error struct {
	Attempts      int
	TotalDuration time.Duration
	LastErr       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation failed after %d attempts over %s: %v", e.Attempts, e.TotalDuration, e.LastErr)
}

func (e *Error) Unwrap() error {
	return e.LastErr
}

// TimeoutError reports a single attempt exceeding its deadline
type TimeoutError struct {
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt %d timed out after %s", e.Attempt, e.Timeout)
}

// IsTimeout reports whether err is a per-attempt timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Options controls retry behavior
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	EnableJitter      bool
	JitterFactor      float64
	// Timeout bounds each individual attempt. Zero means no per-attempt deadline.
	Timeout time.Duration

	// ShouldRetry decides whether err at the given attempt is retryable.
	// Nil means every error is retryable.
	ShouldRetry func(err error, attempt int) bool
	// OnRetry fires before sleeping between attempts.
	OnRetry func(err error, attempt int, delay time.Duration)
	// OnMaxRetriesReached fires once attempts are exhausted.
	OnMaxRetriesReached func(err error, attempts int)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 2
	}
	if o.JitterFactor < 0 {
		o.JitterFactor = 0
	}
	if o.JitterFactor > 1 {
		o.JitterFactor = 1
	}
	return o
}

// Delay computes the backoff before attempt n+1, for n in [1, MaxAttempts-1]
func (o Options) Delay(attempt int) time.Duration {
	base := float64(o.InitialDelay) * math.Pow(o.BackoffMultiplier, float64(attempt-1))
	delay := math.Min(base, float64(o.MaxDelay))
	if o.EnableJitter && o.JitterFactor > 0 {
		span := o.JitterFactor * delay
		delay += span*rand.Float64() - span/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(math.Floor(delay))
}

// Do runs op until it succeeds, a non-retryable error occurs, or attempts run out
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	_, err := DoValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// DoValue runs op and returns its result, retrying per opts.
// A non-retryable error is returned unwrapped; exhaustion returns *Error.
func DoValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	opts = opts.withDefaults()
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := runAttempt(ctx, op, opts.Timeout, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if opts.ShouldRetry != nil && !opts.ShouldRetry(err, attempt) {
			// Non-retryable errors propagate as-is
			return zero, err
		}

		if attempt == opts.MaxAttempts {
			break
		}

		delay := opts.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	if opts.OnMaxRetriesReached != nil {
		opts.OnMaxRetriesReached(lastErr, opts.MaxAttempts)
	}

	return zero, &Error{
		Attempts:      opts.MaxAttempts,
		TotalDuration: time.Since(start),
		LastErr:       lastErr,
	}
}

func runAttempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), timeout time.Duration, attempt int) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := op(attemptCtx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Attempt: attempt, Timeout: timeout}
	}
}
