// Command kototsuna is the live EN⇄JA translation host: it reads chat lines
// from the bus and speech from the microphone, translates them, shows them
// on the browser overlay and reads chat aloud.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/kototsuna/internal/app"
	"github.com/MrWong99/kototsuna/internal/config"
	"github.com/MrWong99/kototsuna/internal/observe"
	"github.com/MrWong99/kototsuna/pkg/audio/portaudio"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
	"github.com/MrWong99/kototsuna/pkg/provider/stt/gladia"
	"github.com/MrWong99/kototsuna/pkg/provider/stt/whisper"
	mt "github.com/MrWong99/kototsuna/pkg/provider/translate"
	"github.com/MrWong99/kototsuna/pkg/provider/translate/deepl"
	"github.com/MrWong99/kototsuna/pkg/provider/translate/llm"
	"github.com/MrWong99/kototsuna/pkg/provider/tts"
	"github.com/MrWong99/kototsuna/pkg/provider/tts/espeak"
	"github.com/MrWong99/kototsuna/pkg/provider/tts/voicevox"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kototsuna: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kototsuna: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("kototsuna starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"mode", cfg.Translation.Mode.String(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kototsuna",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	checkSpeaker(ctx, providers.Primary)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(telemetry.Metrics),
		app.WithMetricsHandler(telemetry.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	// ── Translation ───────────────────────────────────────────────────────────

	// The DeepL key travels with every request, so one provider serves every
	// key the operator configures later.
	reg.RegisterTranslate("deepl", func(entry config.ProviderEntry) (mt.Provider, error) {
		var opts []deepl.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepl.WithEndpoint(entry.BaseURL))
		}
		return deepl.New(opts...), nil
	})

	// llm selects an any-llm-go backend with options.backend (default openai).
	reg.RegisterTranslate("llm", func(entry config.ProviderEntry) (mt.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return llm.New(entry.StringOption("backend", "openai"), entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("gladia", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []gladia.Option{gladia.WithLogger(logger)}
		if entry.BaseURL != "" {
			opts = append(opts, gladia.WithBaseURL(entry.BaseURL))
		}
		if d := entry.DurationOption("init_timeout", 0); d > 0 {
			opts = append(opts, gladia.WithInitTimeout(d))
		}
		if d := entry.DurationOption("close_timeout", 0); d > 0 {
			opts = append(opts, gladia.WithCloseTimeout(d))
		}
		return gladia.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d := entry.DurationOption("silence", 0); d > 0 {
			opts = append(opts, whisper.WithSilence(d))
		}
		if d := entry.DurationOption("phrase_limit", 0); d > 0 {
			opts = append(opts, whisper.WithPhraseLimit(d))
		}
		if d := entry.DurationOption("calibration", 0); d > 0 {
			opts = append(opts, whisper.WithCalibration(d))
		}
		if rms := entry.FloatOption("threshold", 0); rms > 0 {
			opts = append(opts, whisper.WithThreshold(rms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("voicevox", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		// The voice comes from speech.speaker so it can be hot-reloaded.
		opts := []voicevox.Option{voicevox.WithLogger(logger)}
		ping := entry.DurationOption("ping_timeout", 0)
		request := entry.DurationOption("request_timeout", 0)
		if ping > 0 || request > 0 {
			opts = append(opts, voicevox.WithTimeouts(ping, request))
		}
		return voicevox.New(entry.BaseURL, opts...)
	})

	reg.RegisterFallbackTTS("espeak", func(entry config.ProviderEntry) (tts.Speaker, error) {
		return espeak.New(entry.StringOption("command", ""), espeak.WithLogger(logger))
	})

	// Debug log of all registered providers.
	for kind, names := range reg.Registered() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{
		Capture: portaudio.NewCapture(),
		Player:  portaudio.NewPlayer(),
	}

	p, err := reg.CreateTranslate(cfg.Providers.Translate)
	if err != nil {
		return nil, fmt.Errorf("create translate provider %q: %w", cfg.Providers.Translate.Name, err)
	}
	ps.Translate, ps.TranslateName = p, cfg.Providers.Translate.Name
	slog.Info("provider created", "kind", "translate", "name", ps.TranslateName)

	local, err := reg.CreateSTT(cfg.Providers.LocalSTT)
	if err != nil {
		return nil, fmt.Errorf("create local stt provider %q: %w", cfg.Providers.LocalSTT.Name, err)
	}
	ps.Local, ps.LocalName = local, cfg.Providers.LocalSTT.Name
	slog.Info("provider created", "kind", "local_stt", "name", ps.LocalName)

	// The metered recognizer is built per session so a key entered after
	// startup takes effect on the next Start.
	if entry := cfg.Providers.STT; entry.Name != "" {
		if !slices.Contains(reg.Registered()["stt"], entry.Name) {
			slog.Warn("metered stt provider not registered, skipping", "name", entry.Name)
		} else {
			ps.MeteredName = entry.Name
			ps.Metered = func(apiKey string) (stt.Provider, error) {
				e := entry
				e.APIKey = apiKey
				return reg.CreateSTT(e)
			}
			slog.Info("provider registered", "kind", "stt", "name", entry.Name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("tts provider not registered, skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.Primary = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if name := cfg.Providers.FallbackTTS.Name; name != "" {
		p, err := reg.CreateFallbackTTS(cfg.Providers.FallbackTTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback tts provider not registered, skipping", "name", name)
		} else if err != nil {
			// A missing espeak binary must not keep the primary engine from
			// being used.
			slog.Warn("fallback tts provider unavailable", "name", name, "err", err)
		} else {
			ps.Fallback = p
			slog.Info("provider created", "kind", "fallback_tts", "name", name)
		}
	}

	return ps, nil
}

// checkSpeaker logs whether the configured voice exists on the engine.
func checkSpeaker(ctx context.Context, s tts.Synthesizer) {
	c, ok := s.(*voicevox.Client)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	v, err := c.CheckSpeaker(ctx)
	if err != nil {
		slog.Warn("speaker check failed", "speaker", c.Speaker(), "err", err)
		return
	}
	slog.Info("speaker", "id", v.ID, "name", v.Name, "style", v.Style)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        kototsuna: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Translate", cfg.Providers.Translate.Name, cfg.Providers.Translate.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Local STT", cfg.Providers.LocalSTT.Name, cfg.Providers.LocalSTT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, "")
	printProvider("Fallback TTS", cfg.Providers.FallbackTTS.Name, "")
	printRow("Mode", cfg.Translation.Mode.String())
	printRow("Speech", onOff(cfg.Speech.Enabled))
	if cfg.Overlay.Enabled {
		printRow("Overlay", cfg.Overlay.ListenAddr)
	} else {
		printRow("Overlay", "(disabled)")
	}
	switch {
	case !cfg.Bus.Enabled:
		printRow("Bus", "(disabled)")
	case cfg.Bus.Embedded:
		printRow("Bus", fmt.Sprintf("embedded :%d", cfg.Bus.EmbeddedPort))
	default:
		printRow("Bus", fmt.Sprintf("%d server(s)", len(cfg.Bus.Servers)))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
