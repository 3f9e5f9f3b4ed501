package translate

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Mode is the translation direction.
type Mode int

const (
	// ModeAuto lets the provider detect the source language and always
	// translates into Japanese.
	ModeAuto Mode = iota
	// ModeEnJa translates English into Japanese.
	ModeEnJa
	// ModeJaEn translates Japanese into English.
	ModeJaEn
)

var modeNames = map[Mode]string{
	ModeAuto: "auto",
	ModeEnJa: "en-ja",
	ModeJaEn: "ja-en",
}

// modeAliases maps every accepted spelling to a Mode, including the Japanese
// labels older settings files carry.
var modeAliases = map[string]Mode{
	"auto":  ModeAuto,
	"自動":    ModeAuto,
	"en-ja": ModeEnJa,
	"英→日":   ModeEnJa,
	"ja-en": ModeJaEn,
	"日→英":   ModeJaEn,
}

// ParseMode parses a mode name. Matching is case-insensitive and accepts
// '_' and '>' as separators ("en_ja", "en>ja").
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("_", "-", ">", "-").Replace(key)
	if m, ok := modeAliases[key]; ok {
		return m, nil
	}
	return ModeAuto, fmt.Errorf("translate: unknown mode %q", s)
}

// String returns the canonical ASCII name.
func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, fmt.Errorf("translate: invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so modes decode directly
// from YAML and JSON.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Tags returns the source and target languages. The source is
// [language.Und] in auto mode.
func (m Mode) Tags() (source, target language.Tag) {
	switch m {
	case ModeEnJa:
		return language.English, language.Japanese
	case ModeJaEn:
		return language.Japanese, language.English
	default:
		return language.Und, language.Japanese
	}
}

// Languages returns the provider language codes ("EN", "JA"). The source is
// empty in auto mode.
func (m Mode) Languages() (source, target string) {
	src, dst := m.Tags()
	return providerCode(src), providerCode(dst)
}

func providerCode(t language.Tag) string {
	if t == language.Und {
		return ""
	}
	base, _ := t.Base()
	return strings.ToUpper(base.String())
}
