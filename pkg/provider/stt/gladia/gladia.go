// Package gladia provides a Gladia-backed STT provider using the Gladia v2
// live transcription API. It implements the stt.Provider interface.
//
// A session is negotiated in two steps: a POST to /v2/live announces the audio
// format and language and returns a session id plus a WebSocket URL, then the
// client streams base64 audio chunks over that socket and receives transcript
// envelopes back. Gladia bills per second of streamed audio, so callers are
// expected to meter sessions themselves.
package gladia

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kototsuna/pkg/provider/stt"
)

const (
	defaultBaseURL      = "https://api.gladia.io"
	initPath            = "/v2/live"
	defaultInitTimeout  = 10 * time.Second
	defaultCloseTimeout = 3 * time.Second
	defaultSampleRate   = 16000
	bitDepth            = 16
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Gladia Provider.
type Option func(*Provider)

// WithBaseURL overrides the API origin. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the client used for session negotiation.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithInitTimeout bounds the session-init POST. Defaults to 10 s.
func WithInitTimeout(d time.Duration) Option {
	return func(p *Provider) { p.initTimeout = d }
}

// WithCloseTimeout bounds how long Close waits for the server to deliver the
// last transcripts after stop_recording. Defaults to 3 s.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) { p.closeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements stt.Provider backed by the Gladia live API.
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	initTimeout  time.Duration
	closeTimeout time.Duration
	log          *slog.Logger
}

// New creates a new Gladia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gladia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		client:       http.DefaultClient,
		initTimeout:  defaultInitTimeout,
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// ---- session negotiation ----

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type messagesConfig struct {
	ReceivePartialTranscripts bool `json:"receive_partial_transcripts"`
	ReceiveFinalTranscripts   bool `json:"receive_final_transcripts"`
}

type initRequest struct {
	Encoding       string         `json:"encoding"`
	SampleRate     int            `json:"sample_rate"`
	BitDepth       int            `json:"bit_depth"`
	Channels       int            `json:"channels"`
	LanguageConfig languageConfig `json:"language_config"`
	MessagesConfig messagesConfig `json:"messages_config"`
}

type initResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// buildInitRequest maps a StreamConfig onto the session-init body.
func buildInitRequest(cfg stt.StreamConfig) initRequest {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	langs := []string{}
	if cfg.Language != "" {
		langs = append(langs, cfg.Language)
	}
	return initRequest{
		Encoding:       "wav/pcm",
		SampleRate:     sr,
		BitDepth:       bitDepth,
		Channels:       ch,
		LanguageConfig: languageConfig{Languages: langs},
		MessagesConfig: messagesConfig{ReceiveFinalTranscripts: true},
	}
}

// initSession performs the POST /v2/live handshake.
func (p *Provider) initSession(ctx context.Context, cfg stt.StreamConfig) (initResponse, error) {
	body, err := json.Marshal(buildInitRequest(cfg))
	if err != nil {
		return initResponse{}, fmt.Errorf("gladia: marshal init request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.initTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+initPath, bytes.NewReader(body))
	if err != nil {
		return initResponse{}, fmt.Errorf("gladia: create init request: %w", err)
	}
	req.Header.Set("X-Gladia-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return initResponse{}, fmt.Errorf("gladia: init session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return initResponse{}, fmt.Errorf("gladia: init session: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out initResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return initResponse{}, fmt.Errorf("gladia: decode init response: %w", err)
	}
	if out.URL == "" {
		return initResponse{}, errors.New("gladia: init response carries no stream url")
	}
	return out, nil
}

// StartStream negotiates a live session and connects its WebSocket. The
// session's loops run until Close is called, ctx is cancelled, or the
// connection fails; in every case both loops exit together and the Finals
// channel is closed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	info, err := p.initSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log := p.log.With("stt_session", info.ID)
	log.Info("gladia session initialized", "language", cfg.Language)

	conn, _, err := websocket.Dial(ctx, info.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gladia: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:           info.ID,
		conn:         conn,
		log:          log,
		closeTimeout: p.closeTimeout,
		ctx:          sctx,
		cancel:       cancel,
		partials:     make(chan stt.Transcript, 64),
		finals:       make(chan stt.Transcript, 64),
		audio:        make(chan []byte, 256),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		readerDone:   make(chan struct{}),
	}

	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// ---- session ----

// audioChunk is the outbound audio envelope.
type audioChunk struct {
	Type string `json:"type"`
	Data struct {
		Chunk string `json:"chunk"`
	} `json:"data"`
}

var stopRecording = []byte(`{"type":"stop_recording"}`)

// inbound is the generic server envelope. Data is decoded per type.
type inbound struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type transcriptData struct {
	IsFinal   bool `json:"is_final"`
	Utterance struct {
		Text       string  `json:"text"`
		Language   string  `json:"language"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"utterance"`
}

// session is a live Gladia streaming session. It implements stt.SessionHandle.
type session struct {
	id           string
	conn         *websocket.Conn
	log          *slog.Logger
	closeTimeout time.Duration

	// ctx is cancelled when either loop hits a connection error, which makes
	// the other one return too.
	ctx    context.Context
	cancel context.CancelFunc

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done       chan struct{}
	once       sync.Once
	writerDone chan struct{}
	readerDone chan struct{}
}

// SendAudio queues a PCM audio chunk for delivery to Gladia.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.ctx.Done():
		return fmt.Errorf("gladia: session ended: %w", s.ctx.Err())
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.ctx.Done():
		return fmt.Errorf("gladia: session ended: %w", s.ctx.Err())
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes queued audio, sends stop_recording, gives the server up to
// the close timeout to deliver the remaining transcripts, then closes the
// connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)

		deadline := time.After(s.closeTimeout)
		finished := false
		select {
		case <-s.writerDone:
			select {
			case <-s.readerDone:
				finished = true
			case <-deadline:
			}
		case <-deadline:
		}

		if finished {
			s.conn.Close(websocket.StatusNormalClosure, "session closed")
		} else {
			s.log.Warn("gladia session did not finish in time, closing connection")
			s.cancel()
			s.conn.CloseNow()
			<-s.writerDone
			<-s.readerDone
		}
		s.cancel()
	})
	return nil
}

// writeLoop encodes queued audio into envelopes. On Close it drains the
// queue and sends stop_recording.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.writeChunk(chunk); err != nil {
				s.fail("write audio", err)
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.writeChunk(chunk); err != nil {
						s.fail("write audio", err)
						return
					}
				default:
					s.log.Info("gladia sending stop_recording")
					if err := s.conn.Write(s.ctx, websocket.MessageText, stopRecording); err != nil {
						s.fail("write stop_recording", err)
					}
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeChunk(chunk []byte) error {
	var env audioChunk
	env.Type = "audio_chunk"
	env.Data.Chunk = base64.StdEncoding.EncodeToString(chunk)
	msg, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Write(s.ctx, websocket.MessageText, msg)
}

// readLoop receives envelopes and dispatches transcripts until the
// connection closes. A remote close ends the session for the writer as well.
func (s *session) readLoop() {
	defer close(s.readerDone)
	defer s.cancel()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && s.ctx.Err() == nil {
				s.fail("read", err)
			}
			return
		}

		var env inbound
		if err := json.Unmarshal(msg, &env); err != nil {
			s.log.Warn("gladia message not parseable", "err", err, "raw", truncate(string(msg), 200))
			continue
		}

		switch env.Type {
		case "transcript":
			t, ok := parseTranscript(env.Data)
			if !ok || t.Text == "" {
				continue
			}
			if t.IsFinal {
				select {
				case s.finals <- t:
				case <-s.ctx.Done():
					return
				}
			} else {
				select {
				case s.partials <- t:
				default:
				}
			}
		case "error":
			s.log.Error("gladia reported an error", "message", env.Message)
		}
	}
}

// fail logs err and cancels the session so the other loop stops too.
func (s *session) fail(op string, err error) {
	if s.ctx.Err() == nil {
		s.log.Error("gladia session failed", "op", op, "err", err)
	}
	s.cancel()
}

// parseTranscript decodes the data of a transcript envelope.
func parseTranscript(raw json.RawMessage) (stt.Transcript, bool) {
	var d transcriptData
	if err := json.Unmarshal(raw, &d); err != nil {
		return stt.Transcript{}, false
	}
	u := d.Utterance
	var dur time.Duration
	if u.End > u.Start {
		dur = time.Duration((u.End - u.Start) * float64(time.Second))
	}
	return stt.Transcript{
		Text:       strings.TrimSpace(u.Text),
		IsFinal:    d.IsFinal,
		Confidence: u.Confidence,
		Language:   u.Language,
		Duration:   dur,
	}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
