package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/kototsuna/internal/speech"
	"github.com/MrWong99/kototsuna/internal/speech/dictionary"
	"github.com/MrWong99/kototsuna/internal/translate"
)

// Status is the operator view served at GET /api/status.
type Status struct {
	Mode string `json:"mode"`

	Listening      string `json:"listening"`
	ListenProvider string `json:"listen_provider,omitempty"`

	SpeechRunning bool   `json:"speech_running"`
	SpeechEnabled bool   `json:"speech_enabled"`
	SpeechBackend string `json:"speech_backend"`
	SpeechPending int    `json:"speech_pending"`

	Translation translate.Stats `json:"translation"`

	QuotaPeriod    string `json:"quota_period,omitempty"`
	QuotaUsed      int64  `json:"quota_used_seconds"`
	QuotaRemaining int64  `json:"quota_remaining_seconds"`
	QuotaProvider  string `json:"quota_provider,omitempty"`

	DictionaryEntries int `json:"dictionary_entries"`
}

// Status reports the live state of every subsystem.
func (a *App) Status(ctx context.Context) Status {
	st := Status{
		Mode:              a.cfg.Load().Translation.Mode.String(),
		Listening:         a.listener.State().String(),
		ListenProvider:    a.listener.ActiveProvider(),
		SpeechRunning:     a.speech.Running(),
		SpeechEnabled:     a.speech.Enabled(),
		SpeechBackend:     a.speech.Backend().String(),
		SpeechPending:     a.speech.Pending(),
		Translation:       a.gateway.Stats(),
		DictionaryEntries: a.dict.Len(),
	}
	if _, rec, err := a.tracker.Check(ctx); err != nil {
		a.log.Warn("status: quota check failed", "err", err)
	} else {
		st.QuotaPeriod = rec.Period
		st.QuotaUsed = rec.UsedSeconds
		st.QuotaRemaining = rec.Remaining(a.tracker.Ceiling())
		st.QuotaProvider = string(rec.Provider)
	}
	return st
}

type route struct {
	pattern string
	h       http.Handler
}

// controlRoutes is the operator API mounted next to the overlay.
func (a *App) controlRoutes() []route {
	return []route{
		{"GET /api/status", http.HandlerFunc(a.handleStatus)},
		{"POST /api/listen/start", http.HandlerFunc(a.handleListenStart)},
		{"POST /api/listen/stop", http.HandlerFunc(a.handleListenStop)},
		{"POST /api/speech/enabled", http.HandlerFunc(a.handleSpeechEnabled)},
		{"POST /api/speech/backend", http.HandlerFunc(a.handleSpeechBackend)},
		{"POST /api/speech/say", http.HandlerFunc(a.handleSpeechSay)},
		{"GET /api/dictionary", http.HandlerFunc(a.handleDictionaryList)},
		{"PUT /api/dictionary", http.HandlerFunc(a.handleDictionaryAdd)},
		{"DELETE /api/dictionary/{word}", http.HandlerFunc(a.handleDictionaryRemove)},
	}
}

// ControlHandler serves the operator API on its own mux.
func (a *App) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range a.controlRoutes() {
		mux.Handle(rt.pattern, rt.h)
	}
	return mux
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Status(r.Context()))
}

func (a *App) handleListenStart(w http.ResponseWriter, r *http.Request) {
	if err := a.listener.Start(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status(r.Context()))
}

func (a *App) handleListenStop(w http.ResponseWriter, r *http.Request) {
	if err := a.listener.Stop(r.Context()); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status(r.Context()))
}

func (a *App) handleSpeechEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	a.speech.SetEnabled(body.Enabled)
	writeJSON(w, http.StatusOK, a.Status(r.Context()))
}

func (a *App) handleSpeechBackend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Backend string `json:"backend"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	var b speech.Backend
	switch strings.ToLower(body.Backend) {
	case "primary":
		b = speech.Primary
	case "fallback":
		b = speech.Fallback
	default:
		writeError(w, http.StatusBadRequest, errors.New("backend must be primary or fallback"))
		return
	}
	if err := a.speech.SwitchBackend(b); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Status(r.Context()))
}

// handleSpeechSay reads text aloud even while reading chat is disabled.
func (a *App) handleSpeechSay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	a.speech.Speak(body.Text, true)
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleDictionaryList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.dict.List())
}

func (a *App) handleDictionaryAdd(w http.ResponseWriter, r *http.Request) {
	var e dictionary.Entry
	if !decodeJSON(w, r, &e) {
		return
	}
	if err := a.dict.Add(e.Word, e.Reading); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dictionary.ErrEmptyEntry) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, a.dict.List())
}

func (a *App) handleDictionaryRemove(w http.ResponseWriter, r *http.Request) {
	if err := a.dict.Remove(r.PathValue("word")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dictionary.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
