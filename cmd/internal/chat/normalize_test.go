package chat

import (
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "trims whitespace", in: "  hi there \n", want: "hi there"},
		{name: "keeps newline and tab", in: "a\nb\tc", want: "a\nb\tc"},
		{name: "strips nul", in: "a\x00b", want: "ab"},
		{name: "strips bell", in: "a\ab", want: "ab"},
		{name: "strips rlo override", in: "a\u202eb", want: "ab"},
		{name: "strips lri isolate", in: "a\u2066b\u2069", want: "ab"},
		{name: "strips direction marks", in: "\u200ea\u200f\u061c", want: "a"},
		{name: "empty", in: "", want: ""},
		{name: "only controls", in: "\x00\x1b\u202e", want: ""},
		{name: "only whitespace", in: "   \n\t ", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeText(tc.in); got != tc.want {
				t.Fatalf("NormalizeText(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeText_Truncates(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("x", MaxTextRunes+100)
	got := NormalizeText(in)
	if len([]rune(got)) != MaxTextRunes {
		t.Fatalf("truncation: got %d runes want %d", len([]rune(got)), MaxTextRunes)
	}

	// Multibyte runes count as one unit each.
	in = strings.Repeat("é", MaxTextRunes+5)
	got = NormalizeText(in)
	if n := len([]rune(got)); n != MaxTextRunes {
		t.Fatalf("multibyte truncation: got %d runes want %d", n, MaxTextRunes)
	}
}

func TestCanonicalPair(t *testing.T) {
	t.Parallel()

	lo, hi := CanonicalPair("bob", "alice")
	if lo != "alice" || hi != "bob" {
		t.Fatalf("CanonicalPair: got (%q,%q)", lo, hi)
	}
	lo2, hi2 := CanonicalPair("alice", "bob")
	if lo2 != lo || hi2 != hi {
		t.Fatalf("CanonicalPair not order independent: (%q,%q) vs (%q,%q)", lo, hi, lo2, hi2)
	}
}

func TestPairKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatalf("PairKey must be order independent")
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Fatalf("PairKey collision across different pairs")
	}
}
