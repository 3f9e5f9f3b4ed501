// Package health serves the liveness and readiness endpoints of the overlay
// server.
//
//   - /healthz always answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes.
//
// Bodies are JSON: {"status": "ok"|"fail", "checks": {name: "ok"|"fail: ..."}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds each readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is anything with a liveness probe, such as a synthesis engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts p into a Checker.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BoolChecker fails with msg whenever ok returns false.
func BoolChecker(name, msg string, ok func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if ok() {
			return nil
		}
		return errors.New(msg)
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler is safe for concurrent use. Checkers may be added after the
// routes are registered.
type Handler struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler with the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{timeout: DefaultCheckTimeout, checkers: c}
}

// SetTimeout changes the per-check timeout.
func (h *Handler) SetTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

// Add registers more checkers. A checker whose name is already registered
// replaces the earlier one.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
outer:
	for _, c := range checkers {
		for i := range h.checkers {
			if h.checkers[i].Name == c.Name {
				h.checkers[i] = c
				continue outer
			}
		}
		h.checkers = append(h.checkers, c)
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under the check timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	errs := make([]error, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	for i, c := range checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
