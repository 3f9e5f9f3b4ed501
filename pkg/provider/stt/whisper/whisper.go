// Package whisper provides the unmetered local STT provider backed by a
// whisper.cpp server.
//
// whisper-server only transcribes whole files, so a session buffers the
// microphone PCM, cuts it into utterances on silence and uploads each one as
// a WAV file to POST /inference.
//
// Each session first listens to the room for a short calibration window and
// raises its silence threshold above the measured ambient energy. Utterances
// are time-boxed by a phrase limit so that continuous speech still produces
// results at a steady pace.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithSilence(500*time.Millisecond),
//	    whisper.WithPhraseLimit(6*time.Second),
//	)
//	handle, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "ja-JP"})
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/MrWong99/kototsuna/pkg/audio"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	// ambientRatio scales the calibrated ambient energy into the silence
	// threshold.
	ambientRatio = 1.5

	defaultLanguage    = "ja"
	defaultSampleRate  = 16000
	defaultSilence     = 500 * time.Millisecond
	defaultPhraseLimit = 6 * time.Second
	defaultCalibration = time.Second
	defaultHTTPTimeout = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server.
// When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the fallback language used when a session's StreamConfig
// carries none. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the default sample rate in Hz for sessions whose
// StreamConfig leaves it unset. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSilence sets the trailing silence that ends an utterance. Defaults to
// 500 ms.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithPhraseLimit caps the length of a single utterance. Defaults to 6 s.
// Zero disables the cap.
func WithPhraseLimit(d time.Duration) Option {
	return func(p *Provider) { p.phraseLimit = d }
}

// WithCalibration sets the ambient noise calibration window at session start.
// Defaults to 1 s. Zero disables calibration.
func WithCalibration(d time.Duration) Option {
	return func(p *Provider) { p.calibration = d }
}

// WithThreshold sets the minimum RMS energy treated as speech. Calibration may
// only raise it. Defaults to 300.
func WithThreshold(rms float64) Option {
	return func(p *Provider) { p.threshold = rms }
}

// WithHTTPClient replaces the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements stt.Provider backed by a local whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each session maintains its own
// audio buffer and goroutine.
type Provider struct {
	serverURL   string
	model       string
	language    string
	sampleRate  int
	silence     time.Duration
	phraseLimit time.Duration
	calibration time.Duration
	threshold   float64
	httpClient  *http.Client
	log         *slog.Logger
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:   strings.TrimRight(serverURL, "/"),
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		silence:     defaultSilence,
		phraseLimit: defaultPhraseLimit,
		calibration: defaultCalibration,
		threshold:   defaultRMSThreshold,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// StartStream opens a new transcription session. No network connection is
// established until the first utterance is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = p.sampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	s := &session{
		p:         p,
		language:  baseLanguage(lang),
		format:    format,
		threshold: p.threshold,

		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// baseLanguage reduces a region tag such as "ja-JP" to the bare code whisper
// expects.
func baseLanguage(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	base, _ := t.Base()
	return base.String()
}

// ---- session ----------------------------------------------------------------

// session is a live whisper transcription session. It implements
// stt.SessionHandle. All mutable state that drives calibration, silence
// detection and buffering is confined to the processLoop goroutine.
type session struct {
	p        *Provider
	language string
	format   audio.Format

	// threshold is owned by processLoop.
	threshold float64

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio.
// Calling SendAudio after Close returns stt.ErrSessionClosed.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials emits each utterance's text once before the matching final.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits one transcript per recognised utterance.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes pending speech for a final transcription, closes the
// Partials and Finals channels, and releases all associated resources.
// Calling Close more than once is safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for calibration, silence
// detection, audio buffering, and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer     []byte        // accumulated PCM for the current utterance
		hadSpeech  bool          // true once any high-energy chunk has been buffered
		silence    time.Duration // consecutive silence accumulated after speech
		calibrated = s.p.calibration <= 0
		ambient    []byte // PCM collected during calibration
	)

	bytesPerSec := s.format.BytesPerSecond()
	maxBytes := 0
	if s.p.phraseLimit > 0 {
		maxBytes = int(s.p.phraseLimit.Seconds() * float64(bytesPerSec))
	}
	calibBytes := int(s.p.calibration.Seconds() * float64(bytesPerSec))

	doFlush := func(flushCtx context.Context) {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silence = nil, false, 0
		if len(pcm) == 0 || !speech {
			return
		}

		text, err := s.infer(flushCtx, pcm)
		if err != nil {
			s.p.log.Warn("whisper inference failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		dur := chunkDuration(pcm, bytesPerSec)

		// A full channel drops the result; shutdown must not block on it.
		select {
		case s.partials <- stt.Transcript{Text: text, Language: s.language, Duration: dur}:
		default:
		}
		select {
		case s.finals <- stt.Transcript{Text: text, IsFinal: true, Language: s.language, Duration: dur}:
		default:
			s.p.log.Warn("whisper finals channel full, dropping transcript")
		}
	}

	// flushWithTimeout performs a final flush on a fresh context, since the
	// caller-supplied ctx may already be cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk := <-s.audioCh:
			if !calibrated {
				ambient = append(ambient, chunk...)
				if len(ambient) < calibBytes {
					continue
				}
				s.calibrate(ambient)
				calibrated, ambient = true, nil
				continue
			}

			rms := computeRMS(chunk)
			chunkDur := chunkDuration(chunk, bytesPerSec)

			if rms < s.threshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silence += chunkDur
					buffer = append(buffer, chunk...)
					if silence >= s.p.silence {
						doFlush(ctx)
					}
				}
				continue
			}

			hadSpeech = true
			silence = 0
			buffer = append(buffer, chunk...)
			if maxBytes > 0 && len(buffer) >= maxBytes {
				doFlush(ctx)
			}
		}
	}
}

// calibrate raises the speech threshold above the ambient energy in pcm.
func (s *session) calibrate(pcm []byte) {
	ambient := computeRMS(pcm)
	if t := ambient * ambientRatio; t > s.threshold {
		s.threshold = t
	}
	s.p.log.Info("whisper ambient noise calibrated",
		"ambient_rms", math.Round(ambient),
		"threshold", math.Round(s.threshold),
	)
}

// infer writes pcm to a temporary WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	wavPath, err := s.writeWAV(pcm)
	if err != nil {
		return "", err
	}
	defer os.Remove(wavPath)

	body, contentType, err := s.multipartBody(wavPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func (s *session) writeWAV(pcm []byte) (string, error) {
	f, err := os.CreateTemp("", "kototsuna-utterance-*.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create temp wav: %w", err)
	}
	path := f.Name()
	if err := audio.EncodeWAV(f, pcm, s.format); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("whisper: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("whisper: close temp wav: %w", err)
	}
	return path, nil
}

// multipartBody streams the WAV file and hint fields through a pipe so the
// utterance is never held twice in memory.
func (s *session) multipartBody(wavPath string) (io.Reader, string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, "", fmt.Errorf("whisper: open temp wav: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(s.writeForm(mw, f))
	}()
	return pr, mw.FormDataContentType(), nil
}

func (s *session) writeForm(mw *multipart.Writer, wav io.Reader) error {
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, wav); err != nil {
		return fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := [][2]string{{"response_format", "json"}}
	if s.language != "" {
		fields = append(fields, [2]string{"language", s.language})
	}
	if s.p.model != "" {
		fields = append(fields, [2]string{"model", s.p.model})
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return fmt.Errorf("whisper: write %s field: %w", kv[0], err)
		}
	}
	return mw.Close()
}

// ---- helpers ----------------------------------------------------------------

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDuration returns the play time of a PCM chunk at the given byte rate.
func chunkDuration(chunk []byte, bytesPerSec int) time.Duration {
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(chunk)) * time.Second / time.Duration(bytesPerSec)
}
