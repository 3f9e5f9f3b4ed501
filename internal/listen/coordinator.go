// Package listen implements the speech-to-text streaming coordinator.
//
// A [Coordinator] owns the microphone while a listening session is active.
// On Start it picks one of two mutually exclusive recognizers: the metered
// cloud stream when it is preferred, configured and within its monthly
// quota, or the unmetered local recognizer otherwise. Capture audio is pumped
// into the recognizer session in fixed chunks, and every final transcript is
// translated and handed to the result callback.
//
// Teardown always runs in the same order, whatever ended the session: stop
// the pump, close the recognizer session, wait for both loops, close the
// capture stream, then charge the elapsed time to the quota.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kototsuna/internal/observe"
	"github.com/MrWong99/kototsuna/internal/quota"
	"github.com/MrWong99/kototsuna/internal/resilience"
	"github.com/MrWong99/kototsuna/internal/translate"
	"github.com/MrWong99/kototsuna/pkg/audio"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
)

// Capture parameters shared by both recognizers.
const (
	SampleRate  = 16000
	ChunkFrames = 1024

	DefaultPace        = 10 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
	DefaultMeteredName = "gladia"
	DefaultLocalName   = "whisper"

	// chunkLogEvery controls how often the pump logs its progress.
	chunkLogEvery = 500
)

var (
	// ErrAlreadyRunning is returned by Start when a session is not idle.
	ErrAlreadyRunning = errors.New("listen: already running")

	// ErrDeviceUnavailable wraps capture device failures from Start.
	ErrDeviceUnavailable = errors.New("listen: audio device unavailable")

	// ErrStopped is returned by Start when Stop was called before the
	// recognizer session was up.
	ErrStopped = errors.New("listen: stopped while starting")
)

// Translator is the subset of the translation gateway the coordinator uses.
type Translator interface {
	Translate(ctx context.Context, text string, mode translate.Mode, credential string) translate.Result
}

var _ Translator = (*translate.Gateway)(nil)

// MeteredFactory builds the metered recognizer for an API key.
type MeteredFactory func(apiKey string) (stt.Provider, error)

// Config holds the coordinator's collaborators.
type Config struct {
	// Metered builds the cloud recognizer. Nil means the streaming client is
	// not available in this build or configuration.
	Metered MeteredFactory
	// MeteredName labels the metered recognizer. Defaults to "gladia".
	MeteredName string

	// Local is the unmetered recognizer. Required.
	Local stt.Provider
	// LocalName labels it. Defaults to "whisper".
	LocalName string

	// Capture opens the microphone. Required.
	Capture audio.Capture

	// Tracker enforces the metered quota. Nil disables quota checks.
	Tracker *quota.Tracker

	// Translator translates final transcripts. Required.
	Translator Translator

	// Settings returns the live operator settings. Required.
	Settings func() Settings

	// OnResult receives every recognised utterance. Optional.
	OnResult func(ctx context.Context, u Utterance)
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPace sets the pause between two audio chunks. Defaults to 10 ms.
func WithPace(d time.Duration) Option {
	return func(c *Coordinator) { c.pace = d }
}

// WithStopTimeout bounds Stop when its context has no deadline. Defaults to
// 5 s, which leaves room for the metered recognizer's own close handshake.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithBreakerOptions configures the per-recognizer circuit breakers.
func WithBreakerOptions(opts ...resilience.BreakerOption) Option {
	return func(c *Coordinator) { c.breakerOpts = append(c.breakerOpts, opts...) }
}

// WithStateHook registers fn to be called after every state change. fn runs
// with the coordinator lock held and must not call back into it.
func WithStateHook(fn func(from, to State)) Option {
	return func(c *Coordinator) { c.onState = fn }
}

// WithClock replaces time.Now for session timing.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs at most one listening session at a time. All exported
// methods are safe for concurrent use.
type Coordinator struct {
	cfg         Config
	group       *resilience.FallbackGroup[stt.Provider]
	log         *slog.Logger
	metrics     *observe.Metrics
	pace        time.Duration
	stopTimeout time.Duration
	breakerOpts []resilience.BreakerOption
	onState     func(from, to State)
	now         func() time.Time

	mu      sync.Mutex
	state   State
	sess    *session
	attempt *startAttempt
}

// startAttempt lets Stop abort a Start that is still negotiating.
type startAttempt struct {
	cancel  context.CancelFunc
	stopped bool
	// sess is set when the recognizer came up despite the stop request.
	sess *session
	done chan struct{}
}

// New validates cfg and returns an idle Coordinator.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	var errs []error
	if cfg.Local == nil {
		errs = append(errs, errors.New("local recognizer is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("capture device is required"))
	}
	if cfg.Translator == nil {
		errs = append(errs, errors.New("translator is required"))
	}
	if cfg.Settings == nil {
		errs = append(errs, errors.New("settings source is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if cfg.MeteredName == "" {
		cfg.MeteredName = DefaultMeteredName
	}
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}

	c := &Coordinator{
		cfg:         cfg,
		pace:        DefaultPace,
		stopTimeout: DefaultStopTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	breakerOpts := append([]resilience.BreakerOption{
		resilience.WithIgnoreError(func(err error) bool { return errors.Is(err, context.Canceled) }),
		resilience.WithStateHook(func(name string, _, to resilience.State) {
			c.metrics.RecordBreakerTransition(context.Background(), "stt."+name, to.String())
		}),
		resilience.WithBreakerLogger(c.log),
	}, c.breakerOpts...)
	c.group = resilience.NewFallbackGroup[stt.Provider](c.log, breakerOpts...)
	if cfg.Metered != nil {
		c.group.Add(cfg.MeteredName, &lazyMetered{factory: cfg.Metered, key: func() string { return cfg.Settings().MeteredKey }})
	}
	c.group.Add(cfg.LocalName, cfg.Local)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveProvider returns the name of the recognizer serving the current
// session, or "" when idle.
func (c *Coordinator) ActiveProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.provider
}

func (c *Coordinator) setStateLocked(to State) {
	from := c.state
	c.state = to
	if from != to {
		c.log.Debug("listen state changed", "from", from.String(), "to", to.String())
		if c.onState != nil {
			c.onState(from, to)
		}
	}
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(to)
}

// Start opens the microphone, negotiates a recognizer session and begins
// listening. It returns [ErrAlreadyRunning] unless the coordinator is idle.
// Device failures are wrapped in [ErrDeviceUnavailable], and a Stop that
// arrives before the session is up makes Start return [ErrStopped]. In every
// failure case the coordinator is idle again when Start returns.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	// The session outlives Start's ctx; Stop and teardown cancel it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	att := &startAttempt{cancel: cancel, done: make(chan struct{})}
	c.attempt = att
	c.setStateLocked(Starting)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.attempt == att {
			c.attempt = nil
		}
		c.mu.Unlock()
		close(att.done)
	}()

	settings := c.cfg.Settings()
	start := c.selectRecognizer(ctx, settings)

	stream, err := c.cfg.Capture.Open(ctx, audio.Format{SampleRate: SampleRate, Channels: 1}, ChunkFrames)
	if err != nil {
		cancel()
		c.setState(Idle)
		c.log.Error("microphone unavailable", "err", err)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if c.stopRequested(att) {
		cancel()
		stream.Close()
		c.setState(Idle)
		return ErrStopped
	}

	handle, served, err := resilience.Run(c.group, start, func(name string, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(sctx, stt.StreamConfig{
			SampleRate: SampleRate,
			Channels:   1,
			Language:   c.languageFor(name, settings.Mode),
		})
	})
	if err != nil {
		cancel()
		stream.Close()
		c.setState(Idle)
		if c.stopRequested(att) {
			return ErrStopped
		}
		return fmt.Errorf("listen: start recognizer: %w", err)
	}
	if served != start {
		c.log.Warn("preferred recognizer failed, fell back", "wanted", start, "provider", served)
	}

	sess := &session{
		provider: served,
		metered:  served == c.cfg.MeteredName,
		handle:   handle,
		stream:   stream,
		ctx:      sctx,
		cancel:   cancel,
		started:  c.now(),
		done:     make(chan struct{}),
	}
	sess.pumpCtx, sess.stopPump = context.WithCancel(sctx)

	c.mu.Lock()
	c.sess = sess
	stopped := att.stopped
	if stopped {
		att.sess = sess
		c.setStateLocked(Stopping)
	} else {
		c.setStateLocked(Listening)
	}
	c.mu.Unlock()

	c.metrics.STTSessions.Add(ctx, 1, metric.WithAttributes(observe.Attr("provider", served)))
	go c.run(sess)

	if stopped {
		// The recognizer ignored the cancelled init. Tear it down the normal
		// way so its time is still charged.
		c.log.Info("stop requested while starting, ending session", "provider", served)
		sess.stopPump()
		return ErrStopped
	}
	c.log.Info("listening started", "provider", served, "mode", settings.Mode.String())
	return nil
}

func (c *Coordinator) stopRequested(att *startAttempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return att.stopped
}

// selectRecognizer picks the fallback group member the session starts at.
func (c *Coordinator) selectRecognizer(ctx context.Context, s Settings) string {
	local := c.cfg.LocalName
	switch {
	case !s.PreferMetered:
		return local
	case c.cfg.Metered == nil:
		c.log.Warn("metered recognizer not available, using local recognizer")
		return local
	case s.MeteredKey == "":
		c.log.Warn("metered recognizer has no API key, using local recognizer")
		return local
	}
	if c.cfg.Tracker != nil {
		ok, rec, err := c.cfg.Tracker.Check(ctx)
		if err != nil {
			c.log.Error("quota check failed, using local recognizer", "err", err)
			return local
		}
		if !ok {
			c.log.Warn("metered quota exhausted, using local recognizer", "quota", rec.String())
			return local
		}
	}
	return c.cfg.MeteredName
}

func (c *Coordinator) languageFor(name string, m translate.Mode) string {
	if name == c.cfg.MeteredName {
		return MeteredLanguage(m)
	}
	return UnmeteredLanguage(m)
}

// Stop ends the current session and waits for teardown. Without a deadline
// on ctx the wait is bounded by the stop timeout. Stopping an idle
// coordinator is a no-op. A Stop during Start cancels the recognizer
// negotiation and waits for Start to unwind.
func (c *Coordinator) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stopTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if att := c.attempt; att != nil && c.state == Starting {
		att.stopped = true
		c.mu.Unlock()
		c.log.Info("stopping listening while starting")
		att.cancel()

		select {
		case <-att.done:
		case <-ctx.Done():
			return fmt.Errorf("listen: stop: %w", ctx.Err())
		}
		c.mu.Lock()
		sess := att.sess
		c.mu.Unlock()
		if sess == nil {
			return nil
		}
		return c.awaitTeardown(ctx, sess)
	}
	sess := c.sess
	if sess == nil || c.state != Listening {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Stopping)
	c.mu.Unlock()

	c.log.Info("stopping listening", "provider", sess.provider)
	sess.stopPump()
	return c.awaitTeardown(ctx, sess)
}

func (c *Coordinator) awaitTeardown(ctx context.Context, sess *session) error {
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		// Abort in-flight work; teardown still completes in the background.
		sess.cancel()
		return fmt.Errorf("listen: stop: %w", ctx.Err())
	}
}

// ---- session ----

type session struct {
	provider string
	metered  bool
	handle   stt.SessionHandle
	stream   audio.Stream
	started  time.Time

	// ctx scopes the whole session; pumpCtx only the capture pump.
	ctx      context.Context
	cancel   context.CancelFunc
	pumpCtx  context.Context
	stopPump context.CancelFunc

	done chan struct{}
}

// run drives one session to completion and performs the ordered teardown.
func (c *Coordinator) run(s *session) {
	defer close(s.done)
	log := c.log.With("provider", s.provider)

	var g errgroup.Group
	g.Go(func() error {
		err := c.pump(s, log)
		// Closing the recognizer flushes pending audio and ends Finals.
		if cerr := s.handle.Close(); cerr != nil {
			log.Warn("recognizer close failed", "err", cerr)
		}
		return err
	})
	g.Go(func() error {
		c.consume(s, log)
		// A recognizer that ended on its own takes the pump down with it.
		s.stopPump()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("listening session failed", "err", err)
	}

	if err := s.stream.Close(); err != nil {
		log.Warn("capture close failed", "err", err)
	}
	s.cancel()

	elapsed := c.now().Sub(s.started)
	c.metrics.RecordSession(context.Background(), s.provider, elapsed.Seconds())
	if s.metered && c.cfg.Tracker != nil {
		if _, err := c.cfg.Tracker.Add(context.Background(), int64(elapsed/time.Second)); err != nil {
			log.Error("recording metered usage failed", "err", err)
		}
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.setStateLocked(Idle)
	c.mu.Unlock()
	log.Info("listening stopped", "elapsed", elapsed.Round(time.Second).String())
}

// pump reads fixed-size chunks from the capture stream and forwards them to
// the recognizer until the pump is stopped or either side fails.
func (c *Coordinator) pump(s *session, log *slog.Logger) error {
	buf := make([]int16, ChunkFrames)
	timer := time.NewTimer(c.pace)
	defer timer.Stop()

	var chunks int
	for {
		if s.pumpCtx.Err() != nil {
			log.Info("audio pump stopped", "chunks", chunks)
			return nil
		}
		if err := s.stream.Read(buf); err != nil {
			if s.pumpCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen: capture read: %w", err)
		}
		if err := s.handle.SendAudio(audio.Int16ToBytes(buf)); err != nil {
			if s.pumpCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen: send audio: %w", err)
		}
		chunks++
		if chunks%chunkLogEvery == 0 {
			log.Info("audio chunks sent", "chunks", chunks)
		}

		if c.pace > 0 {
			timer.Reset(c.pace)
			select {
			case <-s.pumpCtx.Done():
			case <-timer.C:
			}
		}
	}
}

// consume handles final transcripts until the recognizer closes Finals.
// Partials are drained and ignored.
func (c *Coordinator) consume(s *session, log *slog.Logger) {
	finals, partials := s.handle.Finals(), s.handle.Partials()
	for finals != nil {
		select {
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.handleFinal(s, t, log)
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			log.Debug("partial transcript", "text", t.Text)
		}
	}
}

func (c *Coordinator) handleFinal(s *session, t stt.Transcript, log *slog.Logger) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	ctx := s.ctx
	c.metrics.STTTranscripts.Add(ctx, 1, metric.WithAttributes(observe.Attr("provider", s.provider)))
	log.Info("speech recognised", "text", text)

	settings := c.cfg.Settings()
	u := Utterance{Text: text, Provider: s.provider, Transcript: t}
	if settings.Credential == "" && !settings.Keyless {
		u.NoCredential = true
	} else {
		u.Result = c.cfg.Translator.Translate(ctx, text, settings.Mode, settings.Credential)
	}
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(ctx, u)
	}
}

// lazyMetered builds the metered provider on first use and rebuilds it when
// the API key changes.
type lazyMetered struct {
	factory MeteredFactory
	key     func() string

	mu       sync.Mutex
	builtFor string
	p        stt.Provider
}

var _ stt.Provider = (*lazyMetered)(nil)

func (l *lazyMetered) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p, err := l.provider()
	if err != nil {
		return nil, err
	}
	return p.StartStream(ctx, cfg)
}

func (l *lazyMetered) provider() (stt.Provider, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := l.key()
	if l.p != nil && l.builtFor == key {
		return l.p, nil
	}
	p, err := l.factory(key)
	if err != nil {
		return nil, fmt.Errorf("listen: build metered recognizer: %w", err)
	}
	l.p, l.builtFor = p, key
	return p, nil
}
