package chat

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store used for dev mode and tests.
// All invariants (pair uniqueness, seq monotonicity, projection freshness)
// hold under the store-wide mutex.
type MemoryStore struct {
	mu     sync.Mutex
	chats  map[string]*memChat
	byPair map[string]string // pair key -> chat id
}

type memChat struct {
	chat    Chat
	seq     int64
	msgs    []Message         // ordered by seq, tombstones retained
	dedupe  map[string]string // client_msg_id -> message id
	markers map[string]int64  // account id -> through seq
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:  make(map[string]*memChat),
		byPair: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// ResolveOrCreateChat finds or creates the unique chat for an account pair.
func (s *MemoryStore) ResolveOrCreateChat(ctx context.Context, requester, target string) (Chat, error) {
	requester, target, err := validatePair(requester, target)
	if err != nil {
		return Chat{}, err
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	key := PairKey(requester, target)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		return chatCopy(s.chats[id].chat), nil
	}

	now := time.Now().UTC()
	id, err := NewChatID(now)
	if err != nil {
		return Chat{}, err
	}

	lo, hi := CanonicalPair(requester, target)
	c := &memChat{
		chat: Chat{
			ID:           id,
			ParticipantA: lo,
			ParticipantB: hi,
			CreatedAt:    now,
		},
		dedupe:  make(map[string]string),
		markers: make(map[string]int64),
	}
	s.chats[id] = c
	s.byPair[key] = id

	return chatCopy(c.chat), nil
}

// GetChat returns the chat with its last-message projection.
func (s *MemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return Chat{}, ErrChatNotFound
	}
	return chatCopy(c.chat), nil
}

// DeleteChat removes a chat and cascades its messages and read markers.
func (s *MemoryStore) DeleteChat(ctx context.Context, chatID, requester string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return ErrChatNotFound
	}
	if !c.chat.HasParticipant(requester) {
		return ErrForbidden
	}

	delete(s.byPair, PairKey(c.chat.ParticipantA, c.chat.ParticipantB))
	delete(s.chats, chatID)
	return nil
}

// IsParticipant reports whether accountID is a participant of chatID.
func (s *MemoryStore) IsParticipant(ctx context.Context, chatID, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return false, nil
	}
	return c.chat.HasParticipant(accountID), nil
}

// AppendMessage appends a message with idempotency, monotonic sequence
// allocation, and an atomic projection update.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	in, err := normalizeAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[in.ChatID]
	if c == nil {
		return AppendResult{}, ErrChatNotFound
	}
	if !c.chat.HasParticipant(in.Sender) {
		return AppendResult{}, ErrForbidden
	}

	if mid, ok := c.dedupe[in.ClientMsgID]; ok {
		if m := findMessage(c, mid); m != nil {
			return AppendResult{Message: *m, Duplicate: true}, nil
		}
	}

	id, err := NewMessageID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}

	c.seq++
	msg := Message{
		ID:          id,
		ChatID:      in.ChatID,
		Sender:      in.Sender,
		ClientMsgID: in.ClientMsgID,
		Text:        in.Text,
		Seq:         c.seq,
		ServerTS:    in.Now,
	}
	c.msgs = append(c.msgs, msg)
	c.dedupe[in.ClientMsgID] = id

	c.chat.LastMessage = &LastMessage{
		Text:   msg.Text,
		Sender: msg.Sender,
		Seq:    msg.Seq,
		TS:     msg.ServerTS,
	}

	return AppendResult{Message: msg, Duplicate: false}, nil
}

// DeleteMessage soft-deletes a message. Only the original sender may delete.
// If the deleted message backed the projection, the projection is recomputed
// before the call returns.
func (s *MemoryStore) DeleteMessage(ctx context.Context, chatID, messageID, requester string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return ErrChatNotFound
	}

	m := findMessage(c, messageID)
	if m == nil {
		return ErrMessageNotFound
	}
	if m.Sender != requester {
		return ErrForbidden
	}
	if m.Deleted {
		return nil
	}
	m.Deleted = true

	if c.chat.LastMessage != nil && c.chat.LastMessage.Seq == m.Seq {
		c.chat.LastMessage = newestSurvivor(c.msgs)
	}
	return nil
}

// ListMessages returns non-deleted messages ordered by seq ASC with paging
// via AfterSeq.
func (s *MemoryStore) ListMessages(ctx context.Context, in ListInput) (ListResult, error) {
	if in.ChatID == "" {
		return ListResult{}, ErrInvalidOperation
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampListLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.chats[in.ChatID]
	if c == nil {
		s.mu.Unlock()
		return ListResult{}, ErrChatNotFound
	}

	out := make([]Message, 0, fetch)
	for _, m := range c.msgs {
		if m.Deleted {
			continue
		}
		if in.AfterSeq != nil && m.Seq <= *in.AfterSeq {
			continue
		}
		out = append(out, m)
		if len(out) == fetch {
			break
		}
	}
	s.mu.Unlock()

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListResult{Messages: out, HasMore: hasMore}, nil
}

// MarkRead advances the account's read cursor to max(current, throughSeq).
func (s *MemoryStore) MarkRead(ctx context.Context, chatID, accountID string, throughSeq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return ErrChatNotFound
	}
	if !c.chat.HasParticipant(accountID) {
		return ErrForbidden
	}

	if throughSeq > c.markers[accountID] {
		c.markers[accountID] = throughSeq
	}
	return nil
}

// UnreadCount counts non-deleted messages past the account's read cursor
// that were sent by the other participant.
func (s *MemoryStore) UnreadCount(ctx context.Context, chatID, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return 0, ErrChatNotFound
	}
	if !c.chat.HasParticipant(accountID) {
		return 0, ErrForbidden
	}

	marker := c.markers[accountID]
	var n int64
	for _, m := range c.msgs {
		if m.Deleted || m.Seq <= marker || m.Sender == accountID {
			continue
		}
		n++
	}
	return n, nil
}

func findMessage(c *memChat, messageID string) *Message {
	for i := range c.msgs {
		if c.msgs[i].ID == messageID {
			return &c.msgs[i]
		}
	}
	return nil
}

func newestSurvivor(msgs []Message) *LastMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Deleted {
			continue
		}
		return &LastMessage{
			Text:   msgs[i].Text,
			Sender: msgs[i].Sender,
			Seq:    msgs[i].Seq,
			TS:     msgs[i].ServerTS,
		}
	}
	return nil
}

func chatCopy(c Chat) Chat {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}
