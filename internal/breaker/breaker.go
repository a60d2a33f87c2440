// Package breaker implements the circuit breaker that guards backend
// process spawning. One breaker is shared by every session in the process
// and is always constructed by the caller and injected, so tests and
// embedders can supply their own.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is rejecting attempts.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position in its closed/open/half-open cycle.
type State string

const (
	// StateClosed passes attempts through and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen rejects attempts until the reset interval elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a single probe attempt.
	StateHalfOpen State = "half_open"
)

// StateChangeFunc observes transitions. Called outside the breaker's lock.
type StateChangeFunc func(from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a consecutive-failure circuit breaker.
//
// Closed: failures increment a counter, success resets it, and reaching
// the threshold opens the breaker. Open: attempts are rejected until the
// reset interval has elapsed, then one probe is admitted (half-open). A
// successful probe closes the breaker; a failed probe re-opens it with a
// fresh interval.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	resetInterval time.Duration

	state    State
	failures int
	openedAt time.Time
	probing  bool

	now      func() time.Time
	onChange StateChangeFunc
}

// New creates a closed breaker that opens after threshold consecutive
// failures and re-tests after resetInterval.
func New(threshold int, resetInterval time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		threshold:     threshold,
		resetInterval: resetInterval,
		state:         StateClosed,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an attempt may proceed. While open it returns
// ErrOpen until the reset interval has elapsed, at which point the breaker
// moves to half-open and admits exactly one probe; concurrent callers
// during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var transition *stateChange

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetInterval {
			b.mu.Unlock()
			return ErrOpen
		}
		transition = b.setStateLocked(StateHalfOpen)
		b.probing = true
		b.mu.Unlock()
		b.fire(transition)
		return nil

	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful attempt. In the closed state it
// resets the consecutive-failure counter; a successful half-open probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition *stateChange

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.probing = false
		transition = b.setStateLocked(StateClosed)
	case StateOpen:
		// A success while open means the caller raced a transition;
		// leave the breaker to its interval.
	}

	b.mu.Unlock()
	b.fire(transition)
}

// RecordFailure reports a failed attempt. Reaching the threshold while
// closed opens the breaker; a failed half-open probe re-opens it with a
// fresh interval.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var transition *stateChange

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			transition = b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		transition = b.setStateLocked(StateOpen)
	case StateOpen:
		// Already open, the interval keeps running.
	}

	b.mu.Unlock()
	b.fire(transition)
}

// Ready reports whether Allow would currently admit an attempt, without
// consuming the half-open probe slot. Callers use it to reject cheaply
// before committing turn resources; Allow remains the authoritative gate.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.resetInterval
	case StateHalfOpen:
		return !b.probing
	}
	return true
}

// State returns the current state, accounting for an elapsed reset
// interval (an open breaker whose interval has passed reports half-open
// only once Allow admits the probe, so callers observing State see the
// last committed transition).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

type stateChange struct {
	from, to State
}

func (b *Breaker) setStateLocked(to State) *stateChange {
	if b.state == to {
		return nil
	}
	change := &stateChange{from: b.state, to: to}
	b.state = to
	return change
}

func (b *Breaker) fire(change *stateChange) {
	if change == nil || b.onChange == nil {
		return
	}
	b.onChange(change.from, change.to)
}
