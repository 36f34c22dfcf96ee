// Package client implements the connection-side half of the messaging
// protocol: a websocket client plus an outbox that reconciles optimistic
// local sends against server-confirmed messages.
package client

import (
	"sort"
	"sync"
	"time"

	v1 "quad/shared/contracts/chat/v1"

	"github.com/google/uuid"
)

// EntryState tracks a provisional send through its lifecycle.
type EntryState string

const (
	StatePending   EntryState = "pending"
	StateConfirmed EntryState = "confirmed"
	StateFailed    EntryState = "failed"
)

// reconcileWindow bounds content-based fallback matching: a broadcast
// without a usable correlation id only confirms a pending entry enqueued
// within this window.
const reconcileWindow = 2 * time.Minute

// Entry is a provisional message rendered before server confirmation.
// It is the UI's responsibility to display Pending/Failed states; the
// outbox never silently discards a failed entry.
type Entry struct {
	ClientMsgID string
	ChatID      string
	Sender      string
	Text        string
	EnqueuedAt  time.Time

	State EntryState

	// Set once confirmed.
	MessageID string
	Seq       int64
	ServerTS  time.Time
	Duplicate bool

	// Set once failed.
	FailCode    string
	FailMessage string
}

// Outbox holds provisional sends awaiting server confirmation.
// All methods are safe for concurrent use.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewOutbox() *Outbox {
	return &Outbox{entries: make(map[string]*Entry)}
}

// Add registers a provisional entry and returns it. The generated
// ClientMsgID doubles as the idempotency key for the wire send.
func (o *Outbox) Add(chatID, sender, text string, now time.Time) Entry {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e := &Entry{
		ClientMsgID: uuid.NewString(),
		ChatID:      chatID,
		Sender:      sender,
		Text:        text,
		EnqueuedAt:  now,
		State:       StatePending,
	}

	o.mu.Lock()
	o.entries[e.ClientMsgID] = e
	o.mu.Unlock()
	return *e
}

// ConfirmAck resolves a pending entry from a direct ack.
func (o *Outbox) ConfirmAck(ack v1.AckPayload) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[ack.ClientMsgID]
	if !ok {
		return Entry{}, false
	}
	e.State = StateConfirmed
	e.MessageID = ack.MessageID
	e.Seq = ack.Seq
	e.Duplicate = ack.Duplicate
	return *e, true
}

// ConfirmMessage resolves a pending entry from a broadcast. Matching is by
// correlation id when the broadcast carries one; otherwise it falls back to
// (sender, text, temporal proximity) since provisional and server ids differ.
func (o *Outbox) ConfirmMessage(msg v1.MessagePayload) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[msg.ClientMsgID]
	if !ok {
		e = o.matchByContentLocked(msg)
		if e == nil {
			return Entry{}, false
		}
	}
	e.State = StateConfirmed
	e.MessageID = msg.MessageID
	e.Seq = msg.Seq
	e.ServerTS = msg.ServerTS
	return *e, true
}

func (o *Outbox) matchByContentLocked(msg v1.MessagePayload) *Entry {
	var best *Entry
	for _, e := range o.entries {
		if e.State != StatePending {
			continue
		}
		if e.ChatID != msg.ChatID || e.Sender != msg.Sender || e.Text != msg.Text {
			continue
		}
		if msg.ServerTS.Sub(e.EnqueuedAt) > reconcileWindow || msg.ServerTS.Before(e.EnqueuedAt.Add(-reconcileWindow)) {
			continue
		}
		if best == nil || e.EnqueuedAt.Before(best.EnqueuedAt) {
			best = e
		}
	}
	return best
}

// Fail marks an entry failed by correlation id.
func (o *Outbox) Fail(clientMsgID, code, message string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[clientMsgID]
	if !ok {
		return Entry{}, false
	}
	return o.failLocked(e, code, message), true
}

// FailOldestPending marks the oldest pending entry failed. Error frames on
// the wire carry no correlation id, so the oldest in-flight send is the one
// the server is answering.
func (o *Outbox) FailOldestPending(code, message string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var oldest *Entry
	for _, e := range o.entries {
		if e.State != StatePending {
			continue
		}
		if oldest == nil || e.EnqueuedAt.Before(oldest.EnqueuedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return Entry{}, false
	}
	return o.failLocked(oldest, code, message), true
}

func (o *Outbox) failLocked(e *Entry, code, message string) Entry {
	e.State = StateFailed
	e.FailCode = code
	e.FailMessage = message
	return *e
}

// Pending returns pending entries in enqueue order, oldest first.
func (o *Outbox) Pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		if e.State == StatePending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Failed returns failed entries, oldest first. Callers surface these to the
// user; dropping them without indication is not an option.
func (o *Outbox) Failed() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range o.entries {
		if e.State == StateFailed {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Forget drops a settled entry, e.g. after the UI has rendered the
// confirmed message or the user dismissed a failure.
func (o *Outbox) Forget(clientMsgID string) {
	o.mu.Lock()
	delete(o.entries, clientMsgID)
	o.mu.Unlock()
}
