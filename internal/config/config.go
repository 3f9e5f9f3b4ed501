// Package config provides the configuration schema, loader, file watcher and
// provider registry for kototsuna.
package config

import (
	"log/slog"
	"net"
	"time"

	"github.com/MrWong99/kototsuna/internal/translate"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// which start from [Default] so omitted fields keep their defaults.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Translation TranslationConfig `yaml:"translation"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Listen      ListenConfig      `yaml:"listen"`
	Speech      SpeechConfig      `yaml:"speech"`
	Quota       QuotaConfig       `yaml:"quota"`
	Overlay     OverlayConfig     `yaml:"overlay"`
	Bus         BusConfig         `yaml:"bus"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TranslationConfig configures the translation gateway.
type TranslationConfig struct {
	// Mode is the translation direction: auto, en-ja or ja-en. The Japanese
	// labels 自動, 英→日 and 日→英 are accepted too. Hot-reloadable.
	Mode translate.Mode `yaml:"mode"`

	// Filters suppress any line containing one of the words
	// (case-insensitive). Hot-reloadable.
	Filters []string `yaml:"filters"`

	// Dictionary lists literal replacements applied before translation.
	// Hot-reloadable.
	Dictionary []translate.Substitution `yaml:"dictionary"`

	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	MinInterval   time.Duration `yaml:"min_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Translate is the machine-translation backend. Its APIKey is the
	// translation credential; an empty key disables translation.
	Translate ProviderEntry `yaml:"translate"`

	// STT is the metered cloud recognizer.
	STT ProviderEntry `yaml:"stt"`

	// LocalSTT is the unmetered recognizer.
	LocalSTT ProviderEntry `yaml:"local_stt"`

	// TTS is the primary speech synthesis engine.
	TTS ProviderEntry `yaml:"tts"`

	// FallbackTTS is the command-line speaker used when the primary engine
	// is unreachable.
	FallbackTTS ProviderEntry `yaml:"fallback_tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepl", "gladia").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ListenConfig configures the speech-recognition coordinator.
type ListenConfig struct {
	// AutoStart starts listening when the process starts.
	AutoStart bool `yaml:"auto_start"`

	// PreferMetered selects the metered cloud recognizer whenever it is
	// usable.
	PreferMetered bool `yaml:"prefer_metered"`

	// StopTimeout bounds how long Stop waits for the session to wind down.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// SpeechConfig configures the synthesis and playback pipeline.
type SpeechConfig struct {
	// Enabled turns reading chat aloud on and off. Hot-reloadable.
	Enabled bool `yaml:"enabled"`

	// Speaker is the primary engine's voice id. Hot-reloadable.
	Speaker int `yaml:"speaker"`

	// NamePrefix prepends "{name}さん、" to chat lines. Hot-reloadable.
	NamePrefix bool `yaml:"name_prefix"`

	// DictionaryPath is the pronunciation dictionary file. Empty keeps the
	// dictionary in memory.
	DictionaryPath string `yaml:"dictionary_path"`

	MaxLength      int           `yaml:"max_length"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	SynthesisQueue int           `yaml:"synthesis_queue"`
	PlaybackQueue  int           `yaml:"playback_queue"`
}

// QuotaConfig configures metered recognition accounting.
type QuotaConfig struct {
	// DSN is a PostgreSQL connection string. When set it takes precedence
	// over Path so several hosts can share one allowance.
	DSN string `yaml:"dsn"`

	// Name keys the shared PostgreSQL record. Defaults to "default".
	Name string `yaml:"name"`

	// Path is the SQLite database file. Empty keeps usage in memory only.
	Path string `yaml:"path"`

	// Ceiling is the monthly metered allowance.
	Ceiling time.Duration `yaml:"ceiling"`
}

// OverlayConfig configures the browser overlay server.
type OverlayConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the first address tried. The control API shares this
	// listener and has no authentication, so the default stays on loopback.
	ListenAddr string `yaml:"listen_addr"`

	// PortTries is how many consecutive ports are tried when the first is
	// taken.
	PortTries int `yaml:"port_tries"`

	HistorySize int `yaml:"history_size"`
}

// Loopback reports whether ListenAddr only accepts local connections.
func (o OverlayConfig) Loopback() bool {
	host, _, err := net.SplitHostPort(o.ListenAddr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BusConfig configures the optional NATS bridge.
type BusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`

	// Embedded starts an in-process NATS server on EmbeddedPort and connects
	// to it when Servers is empty.
	Embedded     bool `yaml:"embedded"`
	EmbeddedPort int  `yaml:"embedded_port"`
}

// Default returns the configuration used for every field a file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:        LogInfo,
			ShutdownTimeout: 15 * time.Second,
		},
		Translation: TranslationConfig{
			Mode:          translate.ModeAuto,
			CacheSize:     translate.DefaultCacheSize,
			CacheTTL:      translate.DefaultCacheTTL,
			MinInterval:   translate.DefaultMinInterval,
			MaxConcurrent: translate.DefaultMaxConcurrent,
			Timeout:       translate.DefaultTimeout,
		},
		Providers: ProvidersConfig{
			Translate:   ProviderEntry{Name: "deepl"},
			STT:         ProviderEntry{Name: "gladia"},
			LocalSTT:    ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8178"},
			TTS:         ProviderEntry{Name: "voicevox"},
			FallbackTTS: ProviderEntry{Name: "espeak"},
		},
		Listen: ListenConfig{
			PreferMetered: true,
			StopTimeout:   5 * time.Second,
		},
		Speech: SpeechConfig{
			Enabled:        true,
			Speaker:        14,
			MaxLength:      100,
			PollInterval:   5 * time.Second,
			StopTimeout:    2 * time.Second,
			SynthesisQueue: 64,
			PlaybackQueue:  16,
		},
		Quota: QuotaConfig{
			Path:    "data/quota.db",
			Ceiling: 36000 * time.Second,
		},
		Overlay: OverlayConfig{
			Enabled:     true,
			ListenAddr:  "127.0.0.1:8080",
			PortTries:   10,
			HistorySize: 50,
		},
		Bus: BusConfig{
			Name:           "kototsuna",
			ConnectTimeout: 2 * time.Second,
			EmbeddedPort:   4222,
		},
	}
}
