package chat

import (
	"context"
	"strings"
	"time"

	"quad/cmd/internal/ids"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// AppendInput describes a message append request.
type AppendInput struct {
	ChatID      string
	Sender      string
	ClientMsgID string
	Text        string
	Now         time.Time
}

// AppendResult is the append operation result. Duplicate is true when the
// input's client_msg_id matched an earlier append; the original message is
// returned and no new sequence number was consumed.
type AppendResult struct {
	Message   Message
	Duplicate bool
}

// ListInput describes a history query request.
type ListInput struct {
	ChatID   string
	AfterSeq *int64
	Limit    int
}

// ListResult contains a window of non-deleted messages ordered by seq ASC.
type ListResult struct {
	Messages []Message
	HasMore  bool
}

// Store persists chats, messages, and read markers.
//
// Requirements common to all implementations:
//   - At most one chat per unordered participant pair; concurrent creators
//     resolve to a single winner.
//   - Monotonic per-chat seq assigned under per-chat serialization, never
//     client-supplied.
//   - The last-message projection is updated atomically with the append or
//     delete that changes it; readers never observe a stale projection.
//   - Idempotent append per (chat_id, client_msg_id).
//   - Read markers only move forward.
type Store interface {
	ResolveOrCreateChat(ctx context.Context, requester, target string) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	DeleteChat(ctx context.Context, chatID, requester string) error
	IsParticipant(ctx context.Context, chatID, accountID string) (bool, error)

	AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	DeleteMessage(ctx context.Context, chatID, messageID, requester string) error
	ListMessages(ctx context.Context, in ListInput) (ListResult, error)

	MarkRead(ctx context.Context, chatID, accountID string, throughSeq int64) error
	UnreadCount(ctx context.Context, chatID, accountID string) (int64, error)

	Close() error
}

// validatePair checks resolve preconditions and returns the trimmed pair.
func validatePair(requester, target string) (string, string, error) {
	requester = strings.TrimSpace(requester)
	target = strings.TrimSpace(target)
	if requester == "" || target == "" {
		return "", "", ErrInvalidOperation
	}
	if requester == target {
		return "", "", ErrInvalidOperation
	}
	return requester, target, nil
}

// normalizeAppend validates an AppendInput and normalizes its text.
func normalizeAppend(in AppendInput) (AppendInput, error) {
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.Sender = strings.TrimSpace(in.Sender)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	if in.ChatID == "" || in.Sender == "" || in.ClientMsgID == "" {
		return AppendInput{}, ErrInvalidOperation
	}

	in.Text = NormalizeText(in.Text)
	if in.Text == "" {
		return AppendInput{}, ErrEmptyMessage
	}

	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// NewChatID returns a ULID used as chat id.
func NewChatID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID returns a ULID used as message id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
