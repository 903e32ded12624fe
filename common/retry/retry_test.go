package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastOpts())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	}, fastOpts())

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)
	assert.ErrorIs(t, err, boom)
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0

	opts := fastOpts()
	opts.ShouldRetry = func(err error, attempt int) bool {
		return !errors.Is(err, fatal)
	}

	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	}, opts)

	// Non-retryable errors come back unwrapped, not as *Error
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, fatal, err)
	var re *Error
	assert.False(t, errors.As(err, &re))
}

func TestDoValueReturnsResult(t *testing.T) {
	got, err := DoValue(context.Background(), func(ctx context.Context) (string, error) {
		return "done", nil
	}, fastOpts())

	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestPerAttemptTimeout(t *testing.T) {
	opts := fastOpts()
	opts.MaxAttempts = 2
	opts.Timeout = 10 * time.Millisecond

	var calls atomic.Int32
	err := Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, opts)

	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, IsTimeout(err), "exhaustion error should unwrap to a timeout")
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := fastOpts()
	opts.InitialDelay = time.Hour
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		cancel()
	}

	err := Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	}, opts)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayBackoffAndCap(t *testing.T) {
	opts := Options{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, 100*time.Millisecond, opts.Delay(1))
	assert.Equal(t, 200*time.Millisecond, opts.Delay(2))
	assert.Equal(t, 400*time.Millisecond, opts.Delay(3))
	assert.Equal(t, 800*time.Millisecond, opts.Delay(4))
	// Capped at MaxDelay from here on
	assert.Equal(t, time.Second, opts.Delay(5))
	assert.Equal(t, time.Second, opts.Delay(10))
}

func TestDelayJitterStaysInBand(t *testing.T) {
	opts := Options{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		EnableJitter:      true,
		JitterFactor:      0.2,
	}

	for i := 0; i < 100; i++ {
		d := opts.Delay(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestOnMaxRetriesReachedFires(t *testing.T) {
	var reported int
	opts := fastOpts()
	opts.OnMaxRetriesReached = func(err error, attempts int) {
		reported = attempts
	}

	_ = Do(context.Background(), func(ctx context.Context) error {
		return errors.New("always")
	}, opts)

	assert.Equal(t, 3, reported)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, Standard().MaxAttempts)
	assert.Equal(t, 5, Aggressive().MaxAttempts)
	assert.Equal(t, 5*time.Second, Patient().InitialDelay)
	assert.Equal(t, 0.2, Network().JitterFactor)

	// Unknown names fall back to the standard profile
	assert.Equal(t, Standard(), Preset("nope"))
	assert.Equal(t, Quick(), Preset("quick"))
}
