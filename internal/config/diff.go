package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	FiltersChanged    bool // translation.filters, replaced wholesale
	DictionaryChanged bool // translation.dictionary, replaced wholesale
	ModeChanged       bool

	SpeechEnabledChanged bool
	SpeakerChanged       bool
	NamePrefixChanged    bool

	// Restart lists changed settings that only take effect after a restart.
	Restart []string
}

// Any reports whether a hot-reloadable setting changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.FiltersChanged || d.DictionaryChanged || d.ModeChanged ||
		d.SpeechEnabledChanged || d.SpeakerChanged || d.NamePrefixChanged
}

// Diff compares old and new configs and returns what changed.
// Provider keys and the listen preference are read live on every session and
// need no diff entry.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.FiltersChanged = !slices.Equal(old.Translation.Filters, new.Translation.Filters)
	d.DictionaryChanged = !slices.Equal(old.Translation.Dictionary, new.Translation.Dictionary)
	d.ModeChanged = old.Translation.Mode != new.Translation.Mode

	d.SpeechEnabledChanged = old.Speech.Enabled != new.Speech.Enabled
	d.SpeakerChanged = old.Speech.Speaker != new.Speech.Speaker
	d.NamePrefixChanged = old.Speech.NamePrefix != new.Speech.NamePrefix

	restart := func(name string, changed bool) {
		if changed {
			d.Restart = append(d.Restart, name)
		}
	}
	restart("providers.translate.name", old.Providers.Translate.Name != new.Providers.Translate.Name)
	restart("providers.stt.name", old.Providers.STT.Name != new.Providers.STT.Name)
	restart("providers.local_stt", !entryEqual(old.Providers.LocalSTT, new.Providers.LocalSTT))
	restart("providers.tts", !entryEqual(old.Providers.TTS, new.Providers.TTS))
	restart("providers.fallback_tts", !entryEqual(old.Providers.FallbackTTS, new.Providers.FallbackTTS))
	restart("speech.dictionary_path", old.Speech.DictionaryPath != new.Speech.DictionaryPath)
	restart("quota", old.Quota != new.Quota)
	restart("overlay", old.Overlay != new.Overlay)
	restart("bus", !busEqual(old.Bus, new.Bus))

	return d
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !scalarEqual(v, w) {
			return false
		}
	}
	return true
}

// scalarEqual compares option values; nested maps and lists are treated as
// changed.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func busEqual(a, b BusConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers) && a.Name == b.Name &&
		a.ConnectTimeout == b.ConnectTimeout && a.Username == b.Username && a.Password == b.Password &&
		a.Token == b.Token && a.Embedded == b.Embedded && a.EmbeddedPort == b.EmbeddedPort
}
