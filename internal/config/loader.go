package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"translate":    {"deepl", "llm"},
	"stt":          {"gladia"},
	"local_stt":    {"whisper"},
	"tts":          {"voicevox"},
	"fallback_tts": {"espeak"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	nonNegative := func(field string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", field))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	nonNegative("server.shutdown_timeout", int64(cfg.Server.ShutdownTimeout))

	// Translation
	for i, s := range cfg.Translation.Dictionary {
		if s.Source == "" {
			errs = append(errs, fmt.Errorf("translation.dictionary[%d].source is required", i))
		}
	}
	nonNegative("translation.cache_size", int64(cfg.Translation.CacheSize))
	nonNegative("translation.cache_ttl", int64(cfg.Translation.CacheTTL))
	nonNegative("translation.min_interval", int64(cfg.Translation.MinInterval))
	nonNegative("translation.max_concurrent", int64(cfg.Translation.MaxConcurrent))
	nonNegative("translation.timeout", int64(cfg.Translation.Timeout))

	// Providers
	validateProviderName("translate", cfg.Providers.Translate.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("local_stt", cfg.Providers.LocalSTT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("fallback_tts", cfg.Providers.FallbackTTS.Name)
	if cfg.Providers.LocalSTT.Name == "" {
		errs = append(errs, errors.New("providers.local_stt.name is required; it is the recognizer of last resort"))
	}
	if cfg.Providers.TTS.Name == "" && cfg.Providers.FallbackTTS.Name == "" && cfg.Speech.Enabled {
		errs = append(errs, errors.New("speech is enabled but neither providers.tts nor providers.fallback_tts is configured"))
	}
	if cfg.Providers.Translate.APIKey == "" {
		slog.Warn("providers.translate.api_key is empty; lines will be shown untranslated")
	}
	if cfg.Listen.PreferMetered && (cfg.Providers.STT.Name == "" || cfg.Providers.STT.APIKey == "") {
		slog.Warn("listen.prefer_metered is set but providers.stt is not fully configured; the local recognizer will be used")
	}

	// Listen
	nonNegative("listen.stop_timeout", int64(cfg.Listen.StopTimeout))

	// Speech
	if cfg.Speech.Speaker < 0 {
		errs = append(errs, fmt.Errorf("speech.speaker %d is invalid", cfg.Speech.Speaker))
	}
	nonNegative("speech.max_length", int64(cfg.Speech.MaxLength))
	nonNegative("speech.poll_interval", int64(cfg.Speech.PollInterval))
	nonNegative("speech.stop_timeout", int64(cfg.Speech.StopTimeout))
	nonNegative("speech.synthesis_queue", int64(cfg.Speech.SynthesisQueue))
	nonNegative("speech.playback_queue", int64(cfg.Speech.PlaybackQueue))

	// Quota
	nonNegative("quota.ceiling", int64(cfg.Quota.Ceiling))

	// Overlay
	if cfg.Overlay.Enabled {
		if cfg.Overlay.ListenAddr == "" {
			errs = append(errs, errors.New("overlay.listen_addr is required when the overlay is enabled"))
		}
		if cfg.Overlay.PortTries < 1 {
			errs = append(errs, fmt.Errorf("overlay.port_tries %d must be at least 1", cfg.Overlay.PortTries))
		}
	}
	nonNegative("overlay.history_size", int64(cfg.Overlay.HistorySize))

	// Bus
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 && !cfg.Bus.Embedded {
		errs = append(errs, errors.New("bus.servers is required when the bus is enabled without bus.embedded"))
	}
	if cfg.Bus.Embedded && (cfg.Bus.EmbeddedPort < -1 || cfg.Bus.EmbeddedPort > 65535) {
		errs = append(errs, fmt.Errorf("bus.embedded_port %d is out of range", cfg.Bus.EmbeddedPort))
	}
	nonNegative("bus.connect_timeout", int64(cfg.Bus.ConnectTimeout))

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
