package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic breaker tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, opts Options) *Breaker {
	opts.Now = clock.Now
	return New("test", opts)
}

func fail(ctx context.Context) error    { return errors.New("downstream error") }
func succeed(ctx context.Context) error { return nil }

func TestBreakerStartsClosed(t *testing.T) {
	b := newTestBreaker(newFakeClock(), Options{})
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(context.Background(), succeed))
}

func TestBreakerOpensOnFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Options{FailureThreshold: 3})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeed)
	require.Error(t, err)
	assert.True(t, IsOpen(err))

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.RejectedCount)
	assert.Equal(t, int64(3), stats.FailureCount)
	require.NotNil(t, stats.NextAttemptTime)
}

func TestBreakerFailuresOutsideWindowDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Options{
		FailureThreshold: 3,
		Window:           time.Minute,
	})

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	// Old failures age out of the sliding window
	clock.Advance(2 * time.Minute)
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Options{
		FailureThreshold:     100, // out of reach, rate condition must trip
		MinimumRequests:      10,
		FailureRateThreshold: 50,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(ctx, succeed))
	}
	for i := 0; i < 5; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Options{
		FailureThreshold:         2,
		OpenDuration:             time.Minute,
		HalfOpenSuccessThreshold: 2,
	})

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(61 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Options{
		FailureThreshold: 2,
		OpenDuration:     time.Minute,
	})

	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	clock.Advance(61 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerShouldTripExcludesErrors(t *testing.T) {
	clock := newFakeClock()
	notCounted := errors.New("validation error")
	b := newTestBreaker(clock, Options{
		FailureThreshold: 2,
		ShouldTrip: func(err error) bool {
			return !errors.Is(err, notCounted)
		},
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func(ctx context.Context) error { return notCounted })
		// The error still surfaces even though it does not count
		require.ErrorIs(t, err, notCounted)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(0), b.Stats().FailureCount)
}

func TestBreakerExecuteTimeout(t *testing.T) {
	b := New("slow", Options{Timeout: 10 * time.Millisecond})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestBreakerStatsFailureRate(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, Options{FailureThreshold: 100})

	ctx := context.Background()
	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, fail))

	stats := b.Stats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.InDelta(t, 25.0, stats.FailureRate, 0.01)
}

func TestIsOpenOnlyMatchesRejections(t *testing.T) {
	assert.False(t, IsOpen(errors.New("plain")))
	assert.True(t, IsOpen(&OpenError{Name: "x", State: StateOpen}))
}
