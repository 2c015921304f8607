package loader

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/replay-bridge/message"
)

// Hub fans messages from one load channel out to every session sharing it.
// Each session keeps only the messages for its own collection.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	logger   *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		logger:   logger.With("component", "loader_hub"),
	}
}

// Add subscribes s.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

// Remove unsubscribes s.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// Len returns the number of subscribed sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dispatch hands msg to every session.
func (h *Hub) Dispatch(ctx context.Context, msg message.LoadMessage) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.HandleMessage(ctx, msg); err != nil {
			h.logger.Warn("session rejected message", "coll", s.Coll(), "type", msg.LoadType(), "error", err)
		}
	}
}

// Run dispatches messages from in until it is closed or ctx is done.
func (h *Hub) Run(ctx context.Context, in <-chan message.LoadMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			h.Dispatch(ctx, msg)
		}
	}
}
