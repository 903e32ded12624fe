package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of the circuit
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// OpenError is returned when the breaker rejects a call
type OpenError struct {
	Name  string
	State State
	Stats Stats
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// IsOpen reports whether err is a breaker rejection
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Stats is a snapshot of breaker counters
type Stats struct {
	State           State      `json:"state"`
	TotalRequests   int64      `json:"total_requests"`
	SuccessCount    int64      `json:"success_count"`
	FailureCount    int64      `json:"failure_count"`
	RejectedCount   int64      `json:"rejected_count"`
	FailureRate     float64    `json:"failure_rate"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	StateChangedAt  time.Time  `json:"state_changed_at"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

// Options configures a circuit breaker
type Options struct {
	// FailureThreshold opens the circuit when this many failures land in the window.
	FailureThreshold int
	// MinimumRequests gates the failure-rate trip condition.
	MinimumRequests int
	// FailureRateThreshold is a percentage in [0,100].
	FailureRateThreshold float64
	// Window is the sliding window over which results are counted.
	Window time.Duration
	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration
	// HalfOpenSuccessThreshold is the consecutive successes required to close.
	HalfOpenSuccessThreshold int
	// Timeout optionally races the protected operation. Zero disables it.
	Timeout time.Duration

	// ShouldTrip excludes errors from counting against the circuit.
	// Excluded errors still surface to the caller. Nil means every error trips.
	ShouldTrip func(err error) bool

	OnOpen     func(stats Stats)
	OnClose    func(stats Stats)
	OnHalfOpen func(stats Stats)
	OnRequest  func()
	OnSuccess  func()
	OnFailure  func(err error)

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.MinimumRequests <= 0 {
		o.MinimumRequests = 10
	}
	if o.FailureRateThreshold <= 0 {
		o.FailureRateThreshold = 50
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.OpenDuration <= 0 {
		o.OpenDuration = time.Minute
	}
	if o.HalfOpenSuccessThreshold <= 0 {
		o.HalfOpenSuccessThreshold = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type record struct {
	at      time.Time
	success bool
}

// Breaker protects a single callee. All methods are safe for concurrent use.
type Breaker struct {
	name string
	opts Options

	mu                sync.Mutex
	state             State
	window            []record
	stateChangedAt    time.Time
	nextAttempt       time.Time
	halfOpenSuccesses int

	totalRequests int64
	successCount  int64
	failureCount  int64
	rejectedCount int64
	lastSuccess   *time.Time
	lastFailure   *time.Time
}

// New creates a circuit breaker with the given options
func New(name string, opts Options) *Breaker {
	opts = opts.withDefaults()
	return &Breaker{
		name:           name,
		opts:           opts,
		state:          StateClosed,
		stateChangedAt: opts.Now(),
	}
}

// State returns the current state, applying any due OPEN -> HALF_OPEN transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Stats returns a snapshot of the breaker counters
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	s := Stats{
		State:           b.state,
		TotalRequests:   b.totalRequests,
		SuccessCount:    b.successCount,
		FailureCount:    b.failureCount,
		RejectedCount:   b.rejectedCount,
		LastSuccessTime: b.lastSuccess,
		LastFailureTime: b.lastFailure,
		StateChangedAt:  b.stateChangedAt,
	}
	if b.state == StateOpen {
		next := b.nextAttempt
		s.NextAttemptTime = &next
	}
	counted := b.successCount + b.failureCount
	if counted > 0 {
		s.FailureRate = float64(b.failureCount) / float64(counted) * 100
	}
	return s
}

// Execute runs fn behind the circuit
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := b.run(ctx, fn)
	b.afterRequest(err)
	return err
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.opts.Timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("circuit breaker %q: operation timed out after %s", b.name, b.opts.Timeout)
	}
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()

	if b.opts.OnRequest != nil {
		defer b.opts.OnRequest()
	}

	b.maybeHalfOpenLocked()

	if b.state == StateOpen {
		b.rejectedCount++
		stats := b.statsLocked()
		b.mu.Unlock()
		return &OpenError{Name: b.name, State: StateOpen, Stats: stats}
	}

	b.totalRequests++
	b.mu.Unlock()
	return nil
}

func (b *Breaker) afterRequest(err error) {
	now := b.opts.Now()

	if err == nil {
		b.mu.Lock()
		b.successCount++
		t := now
		b.lastSuccess = &t
		b.pushLocked(record{at: now, success: true})

		if b.state == StateHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.opts.HalfOpenSuccessThreshold {
				b.transitionLocked(StateClosed, now)
			}
		}
		b.mu.Unlock()

		if b.opts.OnSuccess != nil {
			b.opts.OnSuccess()
		}
		return
	}

	if b.opts.ShouldTrip != nil && !b.opts.ShouldTrip(err) {
		// The error surfaces to the caller but does not count against the circuit
		return
	}

	b.mu.Lock()
	b.failureCount++
	t := now
	b.lastFailure = &t
	b.pushLocked(record{at: now, success: false})

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen, now)
	case StateClosed:
		if b.shouldOpenLocked(now) {
			b.transitionLocked(StateOpen, now)
		}
	}
	b.mu.Unlock()

	if b.opts.OnFailure != nil {
		b.opts.OnFailure(err)
	}
}

func (b *Breaker) shouldOpenLocked(now time.Time) bool {
	b.pruneLocked(now)

	var failures, total int
	for _, r := range b.window {
		total++
		if !r.success {
			failures++
		}
	}

	if failures >= b.opts.FailureThreshold {
		return true
	}
	if total >= b.opts.MinimumRequests {
		rate := float64(failures) / float64(total) * 100
		if rate >= b.opts.FailureRateThreshold {
			return true
		}
	}
	return false
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state != StateOpen {
		return
	}
	if !b.opts.Now().Before(b.nextAttempt) {
		b.transitionLocked(StateHalfOpen, b.opts.Now())
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	if b.state == to {
		return
	}
	b.state = to
	b.stateChangedAt = now

	switch to {
	case StateOpen:
		b.nextAttempt = now.Add(b.opts.OpenDuration)
		if b.opts.OnOpen != nil {
			stats := b.statsLocked()
			go b.opts.OnOpen(stats)
		}
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		if b.opts.OnHalfOpen != nil {
			stats := b.statsLocked()
			go b.opts.OnHalfOpen(stats)
		}
	case StateClosed:
		b.window = nil
		if b.opts.OnClose != nil {
			stats := b.statsLocked()
			go b.opts.OnClose(stats)
		}
	}
}

func (b *Breaker) pushLocked(r record) {
	b.window = append(b.window, r)
	b.pruneLocked(r.at)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}
