package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func readyz(t *testing.T, h *Handler) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Checker{Name: "x", Check: func(context.Context) error { return errors.New("down") }}).
		Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				BoolChecker("translator", "no credential", func() bool { return true }),
				{Name: "voicevox", Check: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"translator": "ok", "voicevox": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				BoolChecker("translator", "no credential", func() bool { return false }),
				{Name: "voicevox", Check: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"translator": "fail: no credential", "voicevox": "ok"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := readyz(t, New(tc.checkers...))
			if code != tc.wantStatus || body.Status != tc.wantBody {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tc.wantStatus, tc.wantBody)
			}
			for k, v := range tc.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestAddReplacesByName(t *testing.T) {
	h := New(PingChecker("voicevox", pinger{}))
	h.Add(PingChecker("voicevox", pinger{err: errors.New("refused")}), PingChecker("bus", pinger{}))

	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", code)
	}
	if len(body.Checks) != 2 || !strings.Contains(body.Checks["voicevox"], "refused") || body.Checks["bus"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_CheckTimeoutAndConcurrency(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})
	h.SetTimeout(100 * time.Millisecond)

	start := time.Now()
	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", code)
	}
	if !strings.Contains(body.Checks["a"], "deadline exceeded") {
		t.Errorf("checks = %v", body.Checks)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("checks ran sequentially: %v", elapsed)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}
}
