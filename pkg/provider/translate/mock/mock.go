// Package mock provides a test double for the translate.Provider interface.
//
// Set Result or Fn to control responses and Errs to inject a sequence of
// failures. Every call is recorded in Calls.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/kototsuna/pkg/provider/translate"
)

var (
	_ translate.Provider = (*Provider)(nil)
	_ translate.Keyless  = (*Provider)(nil)
)

// Call records a single invocation of Translate.
type Call struct {
	Req translate.Request
	At  time.Time
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned when Fn is nil and no error is queued.
	Result string

	// Fn, if set, computes the response for each request.
	Fn func(req translate.Request) (string, error)

	// Errs is consumed front to back; each call pops one entry. A nil entry
	// means that call succeeds.
	Errs []error

	// Delay blocks each call for the given duration or until ctx is done.
	Delay time.Duration

	// Calls records every invocation in order.
	Calls []Call

	// NoCredential makes the mock report itself as keyless.
	NoCredential bool

	inFlight    int
	maxInFlight int
}

// Keyless implements translate.Keyless.
func (p *Provider) Keyless() bool { return p.NoCredential }

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Req: req, At: time.Now()})
	var queued error
	if len(p.Errs) > 0 {
		queued = p.Errs[0]
		p.Errs = p.Errs[1:]
	}
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	fn, result, delay := p.Fn, p.Result, p.Delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if queued != nil {
		return "", queued
	}
	if fn != nil {
		return fn(req)
	}
	return result, nil
}

// CallCount returns the number of Translate invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// CallsSnapshot returns a copy of the recorded calls.
func (p *Provider) CallsSnapshot() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// MaxInFlight returns the highest number of concurrent Translate calls seen.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}
