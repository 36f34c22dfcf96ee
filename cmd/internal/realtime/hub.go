package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory broadcast channels and provides stable per-chat handles.
// It is intentionally minimal: persistence lives behind chat.Store.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// Channel returns a stable broadcast channel handle for a chat.
func (h *Hub) Channel(chatID string) *Channel {
	h.mu.RLock()
	if c, ok := h.channels[chatID]; ok {
		h.mu.RUnlock()
		return c
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.channels[chatID]; ok {
		return c
	}

	c := NewChannel(h.log, chatID)
	h.channels[chatID] = c
	return c
}
