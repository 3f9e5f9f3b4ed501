package listen

import (
	"strings"

	"github.com/MrWong99/kototsuna/internal/translate"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
)

// State is the coordinator lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// NoCredentialText is reported as the translation when no translation
// credential is configured.
const NoCredentialText = "(No API Key)"

// Settings is the live operator configuration read at the start of every
// session and for every utterance.
type Settings struct {
	// Mode is the translation direction. It also selects the recognition
	// language.
	Mode translate.Mode
	// Credential is the translation provider key.
	Credential string
	// Keyless is set when the translator works without a Credential.
	Keyless bool
	// PreferMetered selects the metered cloud recognizer when it is usable.
	PreferMetered bool
	// MeteredKey is the metered recognizer's API key.
	MeteredKey string
}

// MeteredLanguage returns the recognition hint sent to the metered provider:
// "en" when the streamer speaks English, "ja" otherwise (auto assumes a
// Japanese speaker).
func MeteredLanguage(m translate.Mode) string {
	if m == translate.ModeEnJa {
		return "en"
	}
	return "ja"
}

// UnmeteredLanguage returns the recognition hint for the local recognizer.
func UnmeteredLanguage(m translate.Mode) string {
	if m == translate.ModeEnJa {
		return "en-US"
	}
	return "ja-JP"
}

// Utterance is one recognised final transcript and its translation.
type Utterance struct {
	// Text is the recognised speech.
	Text string
	// Result is the Gateway outcome. Zero when NoCredential is set.
	Result translate.Result
	// NoCredential is set when translation was skipped for lack of a key.
	NoCredential bool
	// Provider names the recognizer that produced Text.
	Provider string
	// Transcript is the raw provider output.
	Transcript stt.Transcript
}

// Translated returns what collaborators display as the translation: the
// translated text, the original when nothing was translated, an empty string
// when a filter suppressed it, or [NoCredentialText].
func (u Utterance) Translated() string {
	switch {
	case u.NoCredential:
		return NoCredentialText
	case u.Result.Kind == translate.Suppressed:
		return ""
	default:
		return strings.TrimSpace(u.Result.Display(u.Text))
	}
}
