// Package speech is the text-to-speech pipeline: a synthesis worker and a
// playback worker joined by FIFO queues.
//
// Text handed to [Pipeline.Speak] is cleaned and queued without blocking.
// The synthesis worker sends it to the active [Backend]. Primary audio goes
// to the playback queue, where a single worker plays buffers one at a time.
// The fallback engine speaks inline, but only after every earlier primary
// buffer has finished playing, so speech order always matches enqueue order.
// The same worker probes the primary engine every poll interval and switches
// backends through [Evaluate].
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/kototsuna/internal/observe"
	"github.com/MrWong99/kototsuna/internal/speech/dictionary"
	"github.com/MrWong99/kototsuna/pkg/audio"
	"github.com/MrWong99/kototsuna/pkg/provider/tts"
)

// Defaults for the pipeline options.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultProbeTimeout   = 3 * time.Second
	DefaultStopTimeout    = 2 * time.Second
	DefaultSynthesisQueue = 64
	DefaultPlaybackQueue  = 16

	defaultIdleWait = time.Second
	logTextLimit    = 50
)

var (
	// ErrNoBackend is returned by [Pipeline.Start] when neither the primary
	// engine with audio output nor the fallback engine is usable.
	ErrNoBackend = errors.New("speech: no usable synthesis backend")

	// ErrAudioUnavailable is returned by [Pipeline.SwitchBackend] when the
	// primary engine is requested but audio output cannot be initialised.
	ErrAudioUnavailable = errors.New("speech: audio output unavailable")
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithPollInterval sets how often the primary engine is probed.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithProbeTimeout bounds each liveness probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the workers.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// WithMaxLength sets the rune limit applied by [Clean]. Zero disables it.
func WithMaxLength(n int) Option {
	return func(p *Pipeline) { p.maxLen = n }
}

// WithQueueSizes sets the synthesis and playback queue capacities.
func WithQueueSizes(synthesis, playback int) Option {
	return func(p *Pipeline) {
		if synthesis > 0 {
			p.synthSize = synthesis
		}
		if playback > 0 {
			p.playSize = playback
		}
	}
}

// WithIdleWait sets how long the synthesis worker waits for text before it
// re-checks the probe schedule.
func WithIdleWait(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.idleWait = d
		}
	}
}

// WithDictionary sets the pronunciation dictionary applied while cleaning.
func WithDictionary(d *dictionary.Dictionary) Option {
	return func(p *Pipeline) { p.dict = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithClock replaces time.Now for the probe schedule.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline owns the speech queues and workers. All methods are safe for
// concurrent use.
type Pipeline struct {
	primary  tts.Synthesizer
	fallback tts.Speaker
	player   audio.Player

	pollInterval time.Duration
	probeTimeout time.Duration
	stopTimeout  time.Duration
	idleWait     time.Duration
	maxLen       int
	synthSize    int
	playSize     int
	dict         *dictionary.Dictionary
	metrics      *observe.Metrics
	log          *slog.Logger
	now          func() time.Time

	mu        sync.Mutex
	backend   Backend
	enabled   bool
	lastProbe time.Time
	cur       *run

	audioMu    sync.Mutex
	audioReady bool
}

// New returns a stopped pipeline. primary or fallback may be nil, but not
// both for Start to succeed. player is required whenever primary is set.
func New(primary tts.Synthesizer, fallback tts.Speaker, player audio.Player, opts ...Option) *Pipeline {
	p := &Pipeline{
		primary:      primary,
		fallback:     fallback,
		player:       player,
		pollInterval: DefaultPollInterval,
		probeTimeout: DefaultProbeTimeout,
		stopTimeout:  DefaultStopTimeout,
		idleWait:     defaultIdleWait,
		maxLen:       DefaultMaxLength,
		synthSize:    DefaultSynthesisQueue,
		playSize:     DefaultPlaybackQueue,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// run is the state of one Start..Stop cycle.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}

	synthQ chan string
	playQ  chan playItem
	// pending counts buffers queued for or in playback.
	pending atomic.Int64

	synthDone chan struct{}
	playDone  chan struct{}
}

// playItem is either audio to play or a barrier closed once every earlier
// item has played.
type playItem struct {
	wav     []byte
	barrier chan struct{}
}

// Start detects the usable backend and launches the workers. The primary
// engine is chosen when it answers the probe and audio output initialises;
// otherwise the fallback engine is used. Starting a running pipeline is a
// no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cur != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	healthy := p.probe(ctx)
	audioOK := healthy && p.ensureAudio()
	backend := Evaluate(None, healthy, audioOK)
	if backend == None && p.fallback != nil {
		backend = Fallback
	}
	p.log.Info("speech backend detection", "primary_reachable", healthy, "audio", audioOK, "backend", backend.String())
	if backend == None {
		p.log.Error("speech pipeline cannot start: no usable backend")
		return ErrNoBackend
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		ctx:       wctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
		synthQ:    make(chan string, p.synthSize),
		playQ:     make(chan playItem, p.playSize),
		synthDone: make(chan struct{}),
		playDone:  make(chan struct{}),
	}

	p.mu.Lock()
	if p.cur != nil {
		p.mu.Unlock()
		cancel()
		return nil
	}
	p.cur = r
	p.enabled = true
	p.lastProbe = p.now()
	p.setBackendLocked(backend)
	p.mu.Unlock()

	go p.synthesisWorker(r)
	go p.playbackWorker(r)
	p.log.Info("speech pipeline started", "backend", backend.String())
	return nil
}

// Stop tells both workers to exit once their in-flight item is done and
// waits for them. Without a deadline on ctx the wait is bounded by the stop
// timeout. Queued text that was not started is discarded.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	r := p.cur
	if r == nil {
		p.mu.Unlock()
		return nil
	}
	p.cur = nil
	p.enabled = false
	p.setBackendLocked(None)
	p.mu.Unlock()

	close(r.quit)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stopTimeout)
		defer cancel()
	}

	var err error
	for _, done := range []chan struct{}{r.synthDone, r.playDone} {
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("speech: stop: %w", ctx.Err())
			}
			r.cancel()
		}
	}
	r.cancel()
	if dropped := len(r.synthQ); dropped > 0 {
		p.log.Info("speech pipeline discarded queued text", "items", dropped)
	}

	p.audioMu.Lock()
	if p.audioReady && p.player != nil {
		if cerr := p.player.Close(); cerr != nil {
			p.log.Warn("audio output close failed", "err", cerr)
		}
		p.audioReady = false
	}
	p.audioMu.Unlock()

	p.log.Info("speech pipeline stopped")
	return err
}

// Speak cleans text and queues it. It never blocks: when the pipeline is
// disabled (and force is false), not running, or the queue is full, the text
// is dropped with a log line.
func (p *Pipeline) Speak(text string, force bool) {
	p.mu.Lock()
	r, enabled := p.cur, p.enabled
	p.mu.Unlock()

	if !enabled && !force {
		p.log.Debug("speech disabled, skipping", "text", truncate(text))
		return
	}
	if r == nil {
		p.log.Warn("speech pipeline not running, skipping", "text", truncate(text))
		return
	}
	cleaned := Clean(text, p.dict, p.maxLen)
	if cleaned == "" {
		p.log.Debug("nothing left to speak after cleaning", "text", truncate(text))
		return
	}
	select {
	case r.synthQ <- cleaned:
		p.metrics.PlaybackQueueDepth.Add(context.Background(), 1, queueAttr("synthesis"))
		p.log.Debug("speech queued", "text", cleaned, "backend", p.Backend().String())
	default:
		p.log.Warn("speech queue full, dropping", "text", truncate(cleaned))
	}
}

// SetEnabled toggles unforced speech.
func (p *Pipeline) SetEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = on
}

// Enabled reports whether unforced speech is accepted.
func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Running reports whether the workers are up.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

// Backend returns the active backend.
func (p *Pipeline) Backend() Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend
}

// Pending returns the number of items queued for synthesis or playback.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	r := p.cur
	p.mu.Unlock()
	if r == nil {
		return 0
	}
	return len(r.synthQ) + int(r.pending.Load())
}

// SwitchBackend forces the active backend. Switching to [Primary] needs the
// primary engine and working audio output; switching to [Fallback] needs the
// fallback engine. The switch applies to items dequeued afterwards.
func (p *Pipeline) SwitchBackend(b Backend) error {
	switch b {
	case Primary:
		if p.primary == nil {
			return errors.New("speech: no primary engine configured")
		}
		if !p.ensureAudio() {
			return ErrAudioUnavailable
		}
	case Fallback:
		if p.fallback == nil {
			return errors.New("speech: no fallback engine configured")
		}
	default:
		return fmt.Errorf("speech: cannot switch to backend %s", b)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return errors.New("speech: pipeline not running")
	}
	p.setBackendLocked(b)
	return nil
}

func (p *Pipeline) setBackendLocked(b Backend) {
	from := p.backend
	if from == b {
		return
	}
	p.backend = b
	if from != None && b != None {
		p.metrics.RecordBackendSwitch(context.Background(), from.String(), b.String())
		p.log.Info("speech backend switched", "from", from.String(), "to", b.String())
	}
}

// ---- workers ----

func (p *Pipeline) synthesisWorker(r *run) {
	defer close(r.synthDone)
	p.log.Info("speech synthesis worker started")
	defer p.log.Info("speech synthesis worker stopped")

	idle := time.NewTimer(p.idleWait)
	defer idle.Stop()
	for {
		select {
		case <-r.quit:
			return
		default:
		}
		p.maybeProbe(r)

		idle.Reset(p.idleWait)
		select {
		case <-r.quit:
			return
		case text := <-r.synthQ:
			p.metrics.PlaybackQueueDepth.Add(context.Background(), -1, queueAttr("synthesis"))
			p.process(r, text)
		case <-idle.C:
		}
	}
}

// process routes one cleaned text to the backend active at dequeue time.
func (p *Pipeline) process(r *run, text string) {
	switch p.Backend() {
	case Fallback:
		p.speakFallback(r, text)
	case Primary:
		wav, err := p.synthesize(r.ctx, text)
		if err != nil {
			if p.fallback != nil {
				p.log.Warn("primary synthesis failed, using fallback for this item", "err", err, "text", truncate(text))
				p.speakFallback(r, text)
				return
			}
			p.log.Warn("primary synthesis failed, dropping", "err", err, "text", truncate(text))
			return
		}
		r.pending.Add(1)
		select {
		case r.playQ <- playItem{wav: wav}:
			p.metrics.PlaybackQueueDepth.Add(context.Background(), 1, queueAttr("playback"))
		case <-r.quit:
			r.pending.Add(-1)
		}
	}
}

func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize")
	defer span.End()
	start := time.Now()
	wav, err := p.primary.Synthesize(ctx, text)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", Primary.String())))
	if err != nil {
		span.RecordError(err)
	}
	return wav, err
}

// speakFallback waits until all earlier primary audio has played, then
// speaks text on the fallback engine.
func (p *Pipeline) speakFallback(r *run, text string) {
	if r.pending.Load() > 0 {
		barrier := make(chan struct{})
		select {
		case r.playQ <- playItem{barrier: barrier}:
		case <-r.quit:
			return
		}
		select {
		case <-barrier:
		case <-r.quit:
			return
		}
	}
	start := time.Now()
	err := p.fallback.Speak(r.ctx, text)
	p.metrics.TTSDuration.Record(r.ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", Fallback.String())))
	if err != nil {
		p.log.Warn("fallback speech failed", "err", err, "text", truncate(text))
	}
}

func (p *Pipeline) playbackWorker(r *run) {
	defer close(r.playDone)
	p.log.Info("speech playback worker started")
	defer p.log.Info("speech playback worker stopped")
	for {
		select {
		case <-r.quit:
			return
		default:
		}
		select {
		case <-r.quit:
			return
		case it := <-r.playQ:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			p.metrics.PlaybackQueueDepth.Add(context.Background(), -1, queueAttr("playback"))
			if err := p.player.Play(r.ctx, it.wav); err != nil {
				p.log.Warn("audio playback failed", "err", err, "bytes", len(it.wav))
			}
			r.pending.Add(-1)
		}
	}
}

// ---- probing ----

// maybeProbe runs the liveness probe when the poll interval has elapsed and
// applies the resulting transition.
func (p *Pipeline) maybeProbe(r *run) {
	now := p.now()
	p.mu.Lock()
	due := now.Sub(p.lastProbe) >= p.pollInterval
	if due {
		p.lastProbe = now
	}
	p.mu.Unlock()
	if !due || p.primary == nil {
		return
	}

	healthy := p.probe(r.ctx)
	audioOK := healthy && p.ensureAudio()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != r {
		return
	}
	cur := p.backend
	next := Evaluate(cur, healthy, audioOK)
	if next == Fallback && p.fallback == nil {
		next = cur
	}
	if next != cur {
		if next == Primary {
			p.log.Info("primary speech engine is reachable again")
		} else {
			p.log.Warn("primary speech engine stopped responding")
		}
	}
	p.setBackendLocked(next)
}

func (p *Pipeline) probe(ctx context.Context) bool {
	if p.primary == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	if err := p.primary.Ping(ctx); err != nil {
		p.log.Debug("primary speech engine probe failed", "err", err)
		return false
	}
	return true
}

// ensureAudio initialises the player once; a failed attempt is retried on
// the next call.
func (p *Pipeline) ensureAudio() bool {
	if p.player == nil {
		return false
	}
	p.audioMu.Lock()
	defer p.audioMu.Unlock()
	if p.audioReady {
		return true
	}
	if err := p.player.Init(); err != nil {
		p.log.Warn("audio output unavailable", "err", err)
		return false
	}
	p.audioReady = true
	return true
}

func queueAttr(q string) metric.AddOption {
	return metric.WithAttributes(observe.Attr("queue", q))
}

func truncate(s string) string {
	if r := []rune(s); len(r) > logTextLimit {
		return string(r[:logTextLimit]) + "..."
	}
	return s
}
