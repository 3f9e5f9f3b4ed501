// Package app wires all kototsuna subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the single instances
// of every subsystem, Run starts them and blocks, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via the Providers struct and functional
// options (WithQuotaStore, WithPublisher). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/kototsuna/internal/bus"
	"github.com/MrWong99/kototsuna/internal/config"
	"github.com/MrWong99/kototsuna/internal/health"
	"github.com/MrWong99/kototsuna/internal/listen"
	"github.com/MrWong99/kototsuna/internal/observe"
	"github.com/MrWong99/kototsuna/internal/overlay"
	"github.com/MrWong99/kototsuna/internal/quota"
	"github.com/MrWong99/kototsuna/internal/speech"
	"github.com/MrWong99/kototsuna/internal/speech/dictionary"
	"github.com/MrWong99/kototsuna/internal/translate"
	"github.com/MrWong99/kototsuna/pkg/audio"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
	mt "github.com/MrWong99/kototsuna/pkg/provider/translate"
	"github.com/MrWong99/kototsuna/pkg/provider/tts"
)

// namePrefixSuffix follows the viewer's name when chat lines are read with
// a name prefix.
const namePrefixSuffix = "さん、"

// Providers holds one value per provider slot. Nil means the provider is not
// configured. Populated by main.go via the config registry.
type Providers struct {
	// Translate is required.
	Translate     mt.Provider
	TranslateName string

	// Metered builds the cloud recognizer for the live API key.
	Metered     listen.MeteredFactory
	MeteredName string

	// Local and Capture are required.
	Local     stt.Provider
	LocalName string
	Capture   audio.Capture

	Primary  tts.Synthesizer
	Fallback tts.Speaker
	Player   audio.Player
}

// Publisher receives every translated line. *bus.Client implements it.
type Publisher interface {
	PublishResult(ctx context.Context, r bus.Result) error
}

var _ Publisher = (*bus.Client)(nil)

// speakerSetter is implemented by synthesis engines whose voice can change
// at runtime.
type speakerSetter interface {
	SetSpeaker(id int)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	log            *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	store     quota.Store
	tracker   *quota.Tracker
	gateway   *translate.Gateway
	dict      *dictionary.Dictionary
	speech    *speech.Pipeline
	listener  *listen.Coordinator
	hub       *overlay.Hub
	health    *health.Handler
	server    *overlay.Server
	embedded  *bus.EmbeddedServer
	client    *bus.Client
	publisher Publisher
	sub       *nats.Subscription

	mu   sync.Mutex
	addr string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets ApplyConfig change the log level of the logger's handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the overlay server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithQuotaStore injects a usage store instead of opening the configured
// SQLite database.
func WithQuotaStore(s quota.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects the result sink instead of connecting to the bus.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: quota store, translation
// gateway, pronunciation dictionary, speech pipeline, listen coordinator,
// overlay and bus connection. Nothing starts running until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Translate == nil {
		return nil, errors.New("app: a translation provider is required")
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"quota", a.initQuota},
		{"translate", a.initGateway},
		{"speech", a.initSpeech},
		{"listen", a.initListen},
		{"bus", a.initBus},
		{"overlay", a.initOverlay},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initQuota opens the usage store and builds the tracker.
func (a *App) initQuota(ctx context.Context) error {
	cfg := a.cfg.Load()
	if a.store == nil {
		switch {
		case cfg.Quota.DSN != "":
			s, err := quota.OpenPostgres(ctx, cfg.Quota.DSN, cfg.Quota.Name)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, s.Close)
		case cfg.Quota.Path != "":
			s, err := quota.OpenSQLite(ctx, cfg.Quota.Path)
			if err != nil {
				return err
			}
			a.store = s
			a.closers = append(a.closers, s.Close)
		default:
			a.store = quota.NewMemoryStore(quota.Record{})
		}
	}
	a.tracker = quota.NewTracker(a.store,
		quota.WithCeiling(cfg.Quota.Ceiling),
		quota.WithLogger(a.log),
		quota.WithMetrics(a.metrics),
	)
	return nil
}

func (a *App) initGateway(context.Context) error {
	tc := a.cfg.Load().Translation
	a.gateway = translate.New(a.providers.Translate,
		translate.WithCache(tc.CacheSize, tc.CacheTTL),
		translate.WithMinInterval(tc.MinInterval),
		translate.WithMaxConcurrent(tc.MaxConcurrent),
		translate.WithTimeout(tc.Timeout),
		translate.WithProviderName(a.providers.TranslateName),
		translate.WithMetrics(a.metrics),
		translate.WithLogger(a.log),
	)
	a.gateway.SetFilters(tc.Filters)
	a.gateway.SetDictionary(tc.Dictionary)
	return nil
}

// initSpeech loads the pronunciation dictionary and builds the pipeline.
func (a *App) initSpeech(context.Context) error {
	sc := a.cfg.Load().Speech
	if sc.DictionaryPath == "" {
		a.dict = dictionary.New(nil)
	} else {
		d, err := dictionary.Open(sc.DictionaryPath, dictionary.WithLogger(a.log))
		if err != nil {
			return err
		}
		a.dict = d
	}
	if s, ok := a.providers.Primary.(speakerSetter); ok {
		s.SetSpeaker(sc.Speaker)
	}
	a.speech = speech.New(a.providers.Primary, a.providers.Fallback, a.providers.Player,
		speech.WithPollInterval(sc.PollInterval),
		speech.WithStopTimeout(sc.StopTimeout),
		speech.WithMaxLength(sc.MaxLength),
		speech.WithQueueSizes(sc.SynthesisQueue, sc.PlaybackQueue),
		speech.WithDictionary(a.dict),
		speech.WithMetrics(a.metrics),
		speech.WithLogger(a.log),
	)
	return nil
}

func (a *App) initListen(context.Context) error {
	c, err := listen.New(listen.Config{
		Metered:     a.providers.Metered,
		MeteredName: a.providers.MeteredName,
		Local:       a.providers.Local,
		LocalName:   a.providers.LocalName,
		Capture:     a.providers.Capture,
		Tracker:     a.tracker,
		Translator:  a.gateway,
		Settings:    a.settings,
		OnResult:    a.OnVoiceResult,
	},
		listen.WithStopTimeout(a.cfg.Load().Listen.StopTimeout),
		listen.WithMetrics(a.metrics),
		listen.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.listener = c
	return nil
}

// initBus starts the embedded server when asked and connects the client.
func (a *App) initBus(ctx context.Context) error {
	bc := a.cfg.Load().Bus
	if a.publisher != nil || !bc.Enabled {
		return nil
	}
	servers := bc.Servers
	if bc.Embedded {
		es, err := bus.StartEmbedded("127.0.0.1", bc.EmbeddedPort, a.log)
		if err != nil {
			return err
		}
		a.embedded = es
		a.closers = append(a.closers, func() error {
			es.Shutdown()
			return nil
		})
		if len(servers) == 0 {
			servers = []string{es.ClientURL()}
		}
	}
	client, err := bus.Connect(ctx, bus.Config{
		Servers:        servers,
		Name:           bc.Name,
		ConnectTimeout: bc.ConnectTimeout,
		Username:       bc.Username,
		Password:       bc.Password,
		Token:          bc.Token,
	}, a.log)
	if err != nil {
		return err
	}
	a.client = client
	a.publisher = client
	a.closers = append(a.closers, client.Close)
	return nil
}

// initOverlay builds the hub, the health checks and, when enabled, the
// overlay server with the control API.
func (a *App) initOverlay(context.Context) error {
	oc := a.cfg.Load().Overlay
	a.hub = overlay.NewHub(overlay.WithHistorySize(oc.HistorySize))

	checkers := []health.Checker{
		health.BoolChecker("translator", "no translation credential configured", func() bool {
			return !a.gateway.NeedsCredential() || a.cfg.Load().Providers.Translate.APIKey != ""
		}),
	}
	if a.providers.Primary != nil {
		checkers = append(checkers, health.PingChecker("tts", a.providers.Primary))
	}
	if a.client != nil {
		checkers = append(checkers, health.PingChecker("bus", a.client))
	}
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("quota", p))
	}
	a.health = health.New(checkers...)

	if !oc.Enabled {
		return nil
	}
	if !oc.Loopback() {
		a.log.Warn("overlay listens beyond loopback and its control API is unauthenticated", "addr", oc.ListenAddr)
	}
	opts := []overlay.ServerOption{
		overlay.WithHealth(a.health),
		overlay.WithMiddleware(observe.Middleware(a.metrics)),
		overlay.WithServerLogger(a.log),
	}
	if a.metricsHandler != nil {
		opts = append(opts, overlay.WithMetricsHandler(a.metricsHandler))
	}
	for _, rt := range a.controlRoutes() {
		opts = append(opts, overlay.WithRoute(rt.pattern, rt.h))
	}
	a.server = overlay.NewServer(a.hub, opts...)
	return nil
}

// settings is read by the coordinator at the start of every session and for
// every utterance.
func (a *App) settings() listen.Settings {
	cfg := a.cfg.Load()
	return listen.Settings{
		Mode:          cfg.Translation.Mode,
		Credential:    cfg.Providers.Translate.APIKey,
		Keyless:       !a.gateway.NeedsCredential(),
		PreferMetered: cfg.Listen.PreferMetered,
		MeteredKey:    cfg.Providers.STT.APIKey,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the live configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Gateway returns the translation gateway.
func (a *App) Gateway() *translate.Gateway { return a.gateway }

// Listener returns the listen coordinator.
func (a *App) Listener() *listen.Coordinator { return a.listener }

// Speech returns the speech pipeline.
func (a *App) Speech() *speech.Pipeline { return a.speech }

// Hub returns the overlay hub.
func (a *App) Hub() *overlay.Hub { return a.hub }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Tracker returns the metered quota tracker.
func (a *App) Tracker() *quota.Tracker { return a.tracker }

// Dictionary returns the pronunciation dictionary.
func (a *App) Dictionary() *dictionary.Dictionary { return a.dict }

// Bus returns the bus client, or nil when the bus is disabled or a
// publisher was injected.
func (a *App) Bus() *bus.Client { return a.client }

// Addr returns the overlay server's bound address once Run has started it,
// or "".
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Line handling ───────────────────────────────────────────────────────────

// HandleChat processes one chat line: emote ranges are kept out of
// translation, the translation goes to the overlay and the bus, and the line
// is read aloud. A line a filter suppresses is logged and published as
// suppressed, but neither shown nor spoken.
func (a *App) HandleChat(ctx context.Context, msg bus.ChatMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	cfg := a.cfg.Load()
	log := a.log.With("user", msg.User)

	content := translate.WrapTokens(msg.Text, translate.ParseEmoteTag(msg.Emotes))
	res := a.gateway.Translate(ctx, content, cfg.Translation.Mode, cfg.Providers.Translate.APIKey)

	if res.Kind == translate.Suppressed {
		log.Info("chat line filtered", "text", msg.Text)
		a.publish(ctx, bus.Result{
			Source:   bus.SourceChat,
			User:     msg.Name(),
			Original: msg.Text,
			Kind:     res.Kind.String(),
		})
		return
	}

	var translated string
	if t, ok := res.Translation(); ok {
		translated = strings.TrimSpace(translate.StripTokens(t))
	}
	if translated == strings.TrimSpace(msg.Text) {
		translated = ""
	}

	if translated != "" {
		log.Info("chat line translated", "text", msg.Text, "translation", translated)
		a.hub.Update(msg.Text, translated)
		a.publish(ctx, bus.Result{
			Source:   bus.SourceChat,
			User:     msg.Name(),
			Original: msg.Text,
			Text:     translated,
			Kind:     res.Kind.String(),
		})
	} else {
		log.Debug("chat line not translated", "text", msg.Text, "kind", res.Kind.String())
	}

	spoken := translated
	if spoken == "" {
		spoken = msg.Text
	}
	if cfg.Speech.NamePrefix && msg.Name() != "" {
		spoken = msg.Name() + namePrefixSuffix + spoken
	}
	a.speech.Speak(spoken, false)
}

// OnVoiceResult receives every utterance from the listen coordinator. The
// translation is shown on the overlay and published; a suppressed utterance
// is only logged.
func (a *App) OnVoiceResult(ctx context.Context, u listen.Utterance) {
	if u.Result.Kind == translate.Suppressed {
		a.log.Info("voice line filtered", "text", u.Text, "provider", u.Provider)
		return
	}
	display := u.Translated()
	a.hub.Update(u.Text, display)
	if u.NoCredential || u.Result.Kind != translate.Translated {
		return
	}
	a.publish(ctx, bus.Result{
		Source:   bus.SourceVoice,
		Original: u.Text,
		Text:     display,
		Kind:     u.Result.Kind.String(),
	})
}

func (a *App) publish(ctx context.Context, r bus.Result) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishResult(ctx, r); err != nil {
		a.log.Warn("publish result failed", "source", r.Source, "err", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig switches the App to next and applies every hot-reloadable
// change. Settings that need a restart are logged. It returns the diff that
// was applied.
func (a *App) ApplyConfig(prev, next *config.Config) config.ConfigDiff {
	d := config.Diff(prev, next)
	a.cfg.Store(next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.FiltersChanged {
		a.gateway.SetFilters(next.Translation.Filters)
		a.log.Info("translation filters updated", "count", len(next.Translation.Filters))
	}
	if d.DictionaryChanged {
		a.gateway.SetDictionary(next.Translation.Dictionary)
		a.log.Info("translation dictionary updated", "count", len(next.Translation.Dictionary))
	}
	if d.ModeChanged {
		a.log.Info("translation mode changed, recognition language applies from the next session",
			"mode", next.Translation.Mode.String())
	}
	if d.SpeechEnabledChanged {
		a.speech.SetEnabled(next.Speech.Enabled)
	}
	if d.SpeakerChanged {
		if s, ok := a.providers.Primary.(speakerSetter); ok {
			s.SetSpeaker(next.Speech.Speaker)
			a.log.Info("speaker changed", "speaker", next.Speech.Speaker)
		}
	}
	if len(d.Restart) > 0 {
		a.log.Warn("config changes require a restart", "settings", d.Restart)
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the speech pipeline, the overlay server, the bus subscription
// and, when configured, listening. It blocks until ctx is cancelled and
// returns its error, or returns early if the overlay server fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()

	if err := a.speech.Start(ctx); err != nil {
		a.log.Warn("speech pipeline not started, chat will not be read aloud", "err", err)
	} else {
		a.speech.SetEnabled(cfg.Speech.Enabled)
	}

	serveErr := make(chan error, 1)
	if a.server != nil {
		ln, err := overlay.Listen(cfg.Overlay.ListenAddr, cfg.Overlay.PortTries)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.mu.Lock()
		a.addr = ln.Addr().String()
		a.mu.Unlock()
		go func() { serveErr <- a.server.Serve(ln) }()
	}

	if a.client != nil {
		sub, err := a.client.SubscribeChat(ctx, a.HandleChat)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.sub = sub
	}

	if cfg.Listen.AutoStart {
		if err := a.listener.Start(ctx); err != nil {
			a.log.Error("listening did not start", "err", err)
		}
	}

	a.log.Info("app running", "overlay", a.Addr(), "bus", a.client != nil, "listening", a.listener.State().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops listening and speech, closes the overlay server, then runs
// the closers in reverse-init order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.sub != nil {
			if err := a.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				a.log.Warn("bus unsubscribe error", "err", err)
			}
		}
		if err := a.listener.Stop(ctx); err != nil {
			a.log.Warn("listen stop error", "err", err)
		}
		if err := a.speech.Stop(ctx); err != nil {
			a.log.Warn("speech stop error", "err", err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("overlay shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New already opened.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
