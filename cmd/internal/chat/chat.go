// Package chat implements Quad's direct-messaging domain: chat identity
// resolution for account pairs, the append-only per-chat message log with its
// last-message projection, and per-account read markers.
package chat

import (
	"strings"
	"time"
)

// LastMessage is the denormalized projection of the newest non-deleted
// message in a chat, kept for list-view display.
type LastMessage struct {
	Text   string
	Sender string
	Seq    int64
	TS     time.Time
}

// Chat is the unique conversation between exactly two accounts.
// Participants are stored in canonical (sorted) order.
type Chat struct {
	ID           string
	ParticipantA string
	ParticipantB string
	LastMessage  *LastMessage
	CreatedAt    time.Time
}

// HasParticipant reports whether accountID is one of the two participants.
func (c Chat) HasParticipant(accountID string) bool {
	if accountID == "" {
		return false
	}
	return c.ParticipantA == accountID || c.ParticipantB == accountID
}

// Message is one unit of text in a chat. Immutable once appended except for
// the Deleted flag, which is forever-on.
type Message struct {
	ID          string
	ChatID      string
	Sender      string
	ClientMsgID string
	Text        string
	Seq         int64
	Deleted     bool
	ServerTS    time.Time
}

// pairKeySep separates the two account ids inside a pair key. Account ids
// are opaque external identifiers, so a non-printable separator avoids
// ambiguity with ids that contain punctuation.
const pairKeySep = "\x1f"

// CanonicalPair returns the unordered account pair in canonical order.
func CanonicalPair(a, b string) (string, string) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey derives the order-independent uniqueness key for an account pair.
// Stores enforce at most one chat per pair key.
func PairKey(a, b string) string {
	lo, hi := CanonicalPair(a, b)
	return lo + pairKeySep + hi
}
