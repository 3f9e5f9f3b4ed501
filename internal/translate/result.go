package translate

// Kind classifies a translation outcome.
type Kind int

const (
	// Unchanged means no translation happened: the input was blank, no
	// credential was configured, or the provider failed. Text is the input.
	Unchanged Kind = iota

	// Suppressed means a filter matched. Collaborators must not display or
	// speak a translation, but still show the original.
	Suppressed

	// Translated carries the provider's output in Text.
	Translated
)

func (k Kind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Suppressed:
		return "suppressed"
	case Translated:
		return "translated"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Gateway call.
type Result struct {
	Kind Kind
	Text string
}

// Display returns the text a collaborator should show for original.
func (r Result) Display(original string) string {
	if r.Kind == Translated {
		return r.Text
	}
	return original
}

// Translation returns the translated text and true only for a Translated
// result.
func (r Result) Translation() (string, bool) {
	if r.Kind == Translated {
		return r.Text, true
	}
	return "", false
}
