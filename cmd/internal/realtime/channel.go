package realtime

import (
	"log/slog"
	"sync"

	v1 "quad/shared/contracts/chat/v1"
)

// Channel is the per-chat broadcast primitive: an in-memory subscriber set
// with append-order fan-out. It carries no history; catch-up after a missed
// publish goes through the message log, not the channel.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - Publish is panic-safe because Session.Send is never closed by the server.
type Channel struct {
	log    *slog.Logger
	ChatID string

	// sendMu serializes append+fan-out for this chat; see WithSendLock.
	sendMu sync.Mutex

	mu   sync.RWMutex
	subs map[string]*Session
}

// NewChannel constructs a channel for one chat.
func NewChannel(log *slog.Logger, chatID string) *Channel {
	return &Channel{
		log:    log,
		ChatID: chatID,
		subs:   make(map[string]*Session),
	}
}

// Subscribe adds a session to the subscriber set. Participant authorization
// happens at the gateway before this call.
func (c *Channel) Subscribe(sess *Session) {
	if c == nil || sess == nil || sess.ConnID == "" {
		return
	}

	c.mu.Lock()
	c.subs[sess.ConnID] = sess
	c.mu.Unlock()

	c.log.Info("channel.subscribe", "chat_id", c.ChatID, "conn_id", sess.ConnID)
}

// Unsubscribe removes a session from the subscriber set. It does not close
// the session: one connection may stay subscribed to other chats.
func (c *Channel) Unsubscribe(connID string) {
	if c == nil || connID == "" {
		return
	}

	c.mu.Lock()
	delete(c.subs, connID)
	c.mu.Unlock()

	c.log.Info("channel.unsubscribe", "chat_id", c.ChatID, "conn_id", connID)
}

// WithSendLock runs fn while holding the chat's send lock. The gateway
// appends to the log and publishes inside fn, so broadcasts fan out in
// exactly the order the log assigned sequence numbers: two concurrent
// senders cannot append seq N and N+1 but publish N+1 first.
func (c *Channel) WithSendLock(fn func()) {
	if c == nil {
		fn()
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	fn()
}

// Publish fans out an envelope to all subscribers in call order.
// Non-blocking: if a subscriber queue is full or the session is shutting
// down, that delivery is dropped and the session reconciles via the log.
func (c *Channel) Publish(env v1.Envelope) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.subs {
		if s == nil {
			continue
		}

		select {
		case <-s.Done():
			// Skip sessions that are shutting down.
			continue
		default:
		}

		select {
		case s.Send <- env:
			metricBroadcastDelivered.Inc()
		default:
			// Drop rather than block the whole chat.
			metricBroadcastDropped.Inc()
		}
	}
}
