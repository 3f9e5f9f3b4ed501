package translate

import (
	"sort"
	"strconv"
	"strings"
)

// TokenTag is the XML tag used to protect spans from translation.
const TokenTag = "k"

const (
	openTag  = "<" + TokenTag + ">"
	closeTag = "</" + TokenTag + ">"
)

// Span is a half-open range of rune offsets [Start, End).
type Span struct {
	Start int
	End   int
}

// WrapTokens wraps each span of text in <k>…</k>. Spans that are empty, out
// of range or overlap an earlier span are ignored.
func WrapTokens(text string, spans []Span) string {
	if len(spans) == 0 {
		return text
	}
	runes := []rune(text)
	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b strings.Builder
	b.Grow(len(text) + len(sorted)*(len(openTag)+len(closeTag)))
	pos := 0
	for _, s := range sorted {
		if s.Start < pos || s.End <= s.Start || s.End > len(runes) {
			continue
		}
		b.WriteString(string(runes[pos:s.Start]))
		b.WriteString(openTag)
		b.WriteString(string(runes[s.Start:s.End]))
		b.WriteString(closeTag)
		pos = s.End
	}
	b.WriteString(string(runes[pos:]))
	return b.String()
}

// StripTokens removes every <k> and </k> tag from text.
func StripTokens(text string) string {
	if !strings.Contains(text, "<"+TokenTag) && !strings.Contains(text, "</"+TokenTag) {
		return text
	}
	return strings.NewReplacer(openTag, "", closeTag, "").Replace(text)
}

// ParseEmoteTag parses a Twitch IRC "emotes" tag
// ("id:start-end,start-end/id:start-end") into spans. Twitch positions are
// inclusive rune offsets.
func ParseEmoteTag(tag string) []Span {
	var spans []Span
	for _, group := range strings.Split(tag, "/") {
		_, positions, ok := strings.Cut(group, ":")
		if !ok {
			continue
		}
		for _, pos := range strings.Split(positions, ",") {
			from, to, ok := strings.Cut(pos, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(from)
			end, err2 := strconv.Atoi(to)
			if err1 != nil || err2 != nil || start < 0 || end < start {
				continue
			}
			spans = append(spans, Span{Start: start, End: end + 1})
		}
	}
	return spans
}
