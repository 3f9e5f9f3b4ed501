package speech

import (
	"regexp"
	"strings"

	"github.com/MrWong99/kototsuna/internal/speech/dictionary"
)

// DefaultMaxLength is the longest text, in runes, handed to a backend.
const DefaultMaxLength = 100

// truncationSuffix marks text cut at the maximum length.
const truncationSuffix = "..."

var (
	urlPattern     = regexp.MustCompile(`https?://(?:[a-zA-Z0-9$-_@.&+!*(),]|%[0-9a-fA-F]{2})+`)
	mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_]+)`)
	markupReplacer = strings.NewReplacer("<k>", "", "</k>", "")
)

// Clean prepares text for synthesis: URLs are dropped, "@name" becomes
// "nameさん", emote markup is removed, dict (when non-nil) rewrites readings,
// and the result is cut to maxLen runes plus "..." before trimming. A
// non-positive maxLen disables truncation.
func Clean(text string, dict *dictionary.Dictionary, maxLen int) string {
	text = urlPattern.ReplaceAllString(text, "")
	text = mentionPattern.ReplaceAllString(text, "${1}さん")
	text = markupReplacer.Replace(text)
	if dict != nil {
		text = dict.Apply(text)
	}
	if maxLen > 0 {
		if r := []rune(text); len(r) > maxLen {
			text = string(r[:maxLen]) + truncationSuffix
		}
	}
	return strings.TrimSpace(text)
}
