package chat

import (
	"strings"
	"unicode"
)

// MaxTextRunes bounds message text length after normalization.
const MaxTextRunes = 4096

// isBidiControl reports whether r is a bidirectional override or direction
// mark. These are stripped so a sender cannot visually reorder a transcript.
func isBidiControl(r rune) bool {
	switch r {
	case '\u061c', '\u200e', '\u200f': // ALM, LRM, RLM
		return true
	}
	// LRE..RLO embedding/override range and LRI..PDI isolate range.
	return (r >= '\u202a' && r <= '\u202e') || (r >= '\u2066' && r <= '\u2069')
}

// NormalizeText strips control and bidi-override characters (newlines and
// tabs survive), truncates to MaxTextRunes runes, and trims surrounding
// whitespace. An empty result means the message must be rejected.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	n := 0
	for _, r := range s {
		if n >= MaxTextRunes {
			break
		}
		if r != '\n' && r != '\t' && (unicode.IsControl(r) || isBidiControl(r)) {
			continue
		}
		b.WriteRune(r)
		n++
	}

	return strings.TrimSpace(b.String())
}
