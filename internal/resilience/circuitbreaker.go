// Package resilience provides the failure-isolation primitives shared by the
// translation, speech-recognition and synthesis paths.
//
// [CircuitBreaker] stops hammering a provider that keeps failing: after a run
// of consecutive failures it rejects calls outright for a cool-down period,
// then lets a few probes through before trusting the provider again.
// [FallbackGroup] layers an ordered list of interchangeable providers on top,
// each with its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// rejecting calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successes
	// close the breaker; a single failure re-opens it.
	StateHalfOpen
)

// String returns the state name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewCircuitBreaker].
const (
	DefaultMaxFailures = 5
	DefaultCoolDown    = 30 * time.Second
	DefaultHalfOpenMax = 3
)

// BreakerOption configures a [CircuitBreaker].
type BreakerOption func(*CircuitBreaker)

// WithMaxFailures sets how many consecutive failures trip the breaker.
func WithMaxFailures(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.maxFailures = n
		}
	}
}

// WithCoolDown sets how long the breaker stays open before probing.
func WithCoolDown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.coolDown = d
		}
	}
}

// WithHalfOpenMax sets the number of successful probes needed to close.
func WithHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMax = n
		}
	}
}

// WithIgnoreError marks errors that must not count as provider failures, for
// example a caller cancelling its own context.
func WithIgnoreError(fn func(error) bool) BreakerOption {
	return func(cb *CircuitBreaker) { cb.ignore = fn }
}

// WithStateHook registers a callback invoked (outside the lock) on every
// state transition.
func WithStateHook(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// WithBreakerClock replaces time.Now. Used by tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger sets the logger for transition messages.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.log = l }
}

// CircuitBreaker implements the closed / open / half-open pattern.
type CircuitBreaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	halfOpenMax int
	ignore      func(error) bool
	onChange    func(name string, from, to State)
	now         func() time.Time
	log         *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int // probes admitted in the current half-open window
	successes int // probes that succeeded in the current half-open window
}

// NewCircuitBreaker returns a closed breaker. Unset options take the
// package defaults.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        name,
		maxFailures: DefaultMaxFailures,
		coolDown:    DefaultCoolDown,
		halfOpenMax: DefaultHalfOpenMax,
		now:         time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	if cb.log == nil {
		cb.log = slog.Default()
	}
	return cb
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is rejecting calls, in which case it
// returns [ErrCircuitOpen] without calling fn. The error from fn is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	result := fn()
	cb.settle(probe, result)
	return result
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from, to State
	changed := false

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		from, to, changed = cb.state, StateHalfOpen, true
		cb.state = StateHalfOpen
		cb.probes, cb.successes = 0, 0
	}

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(changed, from, to)
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()
	cb.notify(changed, from, to)
	return probe, nil
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	failed := err != nil && (cb.ignore == nil || !cb.ignore(err))

	switch {
	case failed && probe:
		cb.trip()
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.trip()
		}
	case probe && err != nil:
		// Ignored error: hand the probe slot back.
		cb.probes--
	case probe:
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	case err == nil:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from != to, from, to)
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probes, cb.successes = 0, 0
}

func (cb *CircuitBreaker) notify(changed bool, from, to State) {
	if !changed {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	cb.log.Log(context.Background(), level, "circuit breaker state change", "name", cb.name, "from", from, "to", to)
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from != StateClosed, from, StateClosed)
}
