package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] tried for a
// call failed or was rejected by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ErrUnknownMember is returned when a call names a start member that was
// never added.
var ErrUnknownMember = errors.New("resilience: unknown fallback member")

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable providers, each guarded
// by its own [CircuitBreaker]. Calls start at a chosen member and walk down
// the list until one succeeds.
type FallbackGroup[T any] struct {
	breakerOpts []BreakerOption
	log         *slog.Logger

	mu      sync.RWMutex
	members []member[T]
}

// NewFallbackGroup returns an empty group. breakerOpts are applied to the
// breaker created for every member.
func NewFallbackGroup[T any](log *slog.Logger, breakerOpts ...BreakerOption) *FallbackGroup[T] {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackGroup[T]{breakerOpts: breakerOpts, log: log}
}

// Add appends a member. Members are tried in the order they are added.
func (g *FallbackGroup[T]) Add(name string, value T) {
	opts := append([]BreakerOption{WithBreakerLogger(g.log)}, g.breakerOpts...)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(name, opts...),
	})
}

// Names returns the member names in try order.
func (g *FallbackGroup[T]) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.members))
	for i, m := range g.members {
		out[i] = m.name
	}
	return out
}

// Breaker returns the breaker guarding the named member, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// tail returns the members from the named one onwards. An empty start means
// the first member.
func (g *FallbackGroup[T]) tail(start string) ([]member[T], error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if start == "" {
		return append([]member[T](nil), g.members...), nil
	}
	for i, m := range g.members {
		if m.name == start {
			return append([]member[T](nil), g.members[i:]...), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMember, start)
}

// Execute calls fn for each member from start onwards until one succeeds and
// returns the name of the member that served the call.
func (g *FallbackGroup[T]) Execute(start string, fn func(name string, v T) error) (string, error) {
	_, served, err := Run(g, start, func(name string, v T) (struct{}, error) {
		return struct{}{}, fn(name, v)
	})
	return served, err
}

// Run is [FallbackGroup.Execute] for calls that produce a value.
func Run[T, R any](g *FallbackGroup[T], start string, fn func(name string, v T) (R, error)) (R, string, error) {
	var zero R
	members, err := g.tail(start)
	if err != nil {
		return zero, "", err
	}
	if len(members) == 0 {
		return zero, "", ErrAllFailed
	}

	var errs []error
	for _, m := range members {
		var out R
		err := m.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(m.name, m.value)
			return callErr
		})
		if err == nil {
			return out, m.name, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			g.log.Debug("fallback member skipped, circuit open", "provider", m.name)
		} else {
			g.log.Warn("fallback member failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
