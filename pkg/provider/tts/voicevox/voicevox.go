// Package voicevox provides a [tts.Synthesizer] backed by a VOICEVOX engine.
//
// Synthesis is a two-step exchange: POST /audio_query builds a query object
// for the text, and POST /synthesis turns that object into a WAV file.
// GET /speakers doubles as the liveness probe and the voice catalogue.
//
// Typical usage:
//
//	s, err := voicevox.New("http://localhost:50021", voicevox.WithSpeaker(14))
//	wav, err := s.Synthesize(ctx, "こんにちは")
package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kototsuna/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Client)(nil)

const (
	// DefaultBaseURL is where a locally installed engine listens.
	DefaultBaseURL = "http://localhost:50021"

	// DefaultSpeaker is the style id of 冥鳴ひまり (ノーマル).
	DefaultSpeaker = 14

	defaultPingTimeout    = 3 * time.Second
	defaultRequestTimeout = 5 * time.Second

	speakersEndpoint   = "/speakers"
	audioQueryEndpoint = "/audio_query"
	synthesisEndpoint  = "/synthesis"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 512
)

// ErrSpeakerNotFound is returned by [Client.CheckSpeaker] when the configured
// style id is not in the engine's catalogue.
var ErrSpeakerNotFound = errors.New("voicevox: speaker not found")

// Option configures a [Client].
type Option func(*Client)

// WithSpeaker sets the style id used for synthesis.
func WithSpeaker(id int) Option {
	return func(c *Client) { c.speaker.Store(int64(id)) }
}

// WithHTTPClient replaces the HTTP client. Per-call timeouts still apply.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeouts sets the liveness probe and per-request synthesis timeouts.
// Zero values keep the defaults.
func WithTimeouts(ping, request time.Duration) Option {
	return func(c *Client) {
		if ping > 0 {
			c.pingTimeout = ping
		}
		if request > 0 {
			c.requestTimeout = request
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client talks to one VOICEVOX engine. It is safe for concurrent use.
type Client struct {
	baseURL        string
	speaker        atomic.Int64
	http           *http.Client
	pingTimeout    time.Duration
	requestTimeout time.Duration
	log            *slog.Logger
}

// New returns a Client for the engine at baseURL. An empty baseURL selects
// [DefaultBaseURL].
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("voicevox: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		pingTimeout:    defaultPingTimeout,
		requestTimeout: defaultRequestTimeout,
	}
	c.speaker.Store(DefaultSpeaker)
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// Speaker returns the configured style id.
func (c *Client) Speaker() int { return int(c.speaker.Load()) }

// SetSpeaker switches the style id for subsequent syntheses.
func (c *Client) SetSpeaker(id int) { c.speaker.Store(int64(id)) }

// BaseURL returns the engine base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// speakerEntry is one element of the GET /speakers response.
type speakerEntry struct {
	Name   string `json:"name"`
	Styles []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"styles"`
}

// Ping reports whether the engine answers GET /speakers with 200.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, speakersEndpoint, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Voices returns every style the engine offers, in catalogue order.
func (c *Client) Voices(ctx context.Context) ([]tts.Voice, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, speakersEndpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var speakers []speakerEntry
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("voicevox: decode speakers: %w", err)
	}
	var voices []tts.Voice
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			voices = append(voices, tts.Voice{ID: st.ID, Name: sp.Name, Style: st.Name})
		}
	}
	return voices, nil
}

// CheckSpeaker looks the configured style up in the catalogue and returns it.
// It returns [ErrSpeakerNotFound] when the engine is up but lacks the style.
func (c *Client) CheckSpeaker(ctx context.Context) (tts.Voice, error) {
	voices, err := c.Voices(ctx)
	if err != nil {
		return tts.Voice{}, err
	}
	id := c.Speaker()
	for _, v := range voices {
		if v.ID == id {
			return v, nil
		}
	}
	return tts.Voice{}, fmt.Errorf("%w: id %d", ErrSpeakerNotFound, id)
}

// Synthesize runs audio_query then synthesis for text and returns the WAV.
// Each step carries its own request timeout.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("voicevox: empty text")
	}
	speaker := strconv.Itoa(c.Speaker())

	query, err := c.step(ctx, audioQueryEndpoint, url.Values{"text": {text}, "speaker": {speaker}}, nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox: audio query: %w", err)
	}
	if !json.Valid(query) {
		return nil, errors.New("voicevox: audio query: response is not JSON")
	}

	wav, err := c.step(ctx, synthesisEndpoint, url.Values{"speaker": {speaker}}, query)
	if err != nil {
		return nil, fmt.Errorf("voicevox: synthesis: %w", err)
	}
	if len(wav) == 0 {
		return nil, errors.New("voicevox: synthesis: empty audio")
	}
	c.log.Debug("voicevox synthesis done", "chars", len([]rune(text)), "bytes", len(wav))
	return wav, nil
}

// step performs one POST with its own timeout and returns the whole body.
func (c *Client) step(ctx context.Context, endpoint string, params url.Values, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodPost, endpoint, params, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// do sends a request and returns the response when the status is 200. On
// any other status the body is consumed and folded into the error.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body []byte) (*http.Response, error) {
	target := c.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("voicevox: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: %s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, fmt.Errorf("voicevox: %s %s: HTTP %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
