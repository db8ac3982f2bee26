// Package hub fans push events out to attached websocket clients.
// Payloads are serialized once per broadcast so every sink observes the
// identical bytes; delivery is best-effort with no backpressure.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink receives serialized push events. TrySend must not block; it
// returns false when the sink cannot accept the payload right now.
type Sink interface {
	TrySend(data []byte) bool
}

type pushEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

type Hub struct {
	mu    sync.RWMutex
	sinks map[string]Sink
	log   zerolog.Logger
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		sinks: make(map[string]Sink),
		log:   log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Attach(id string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[id] = s
}

func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, id)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Broadcast serializes the event once and offers the same byte slice to
// every attached sink. A sink that is not ready is skipped, not removed;
// removal only happens through Detach when the owning connection closes.
func (h *Hub) Broadcast(method string, params any) {
	data, err := json.Marshal(pushEnvelope{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		EventID: uuid.NewString(),
	})
	if err != nil {
		h.log.Error().Err(err).Str("method", method).Msg("marshal push event")
		return
	}

	h.mu.RLock()
	targets := make(map[string]Sink, len(h.sinks))
	for id, s := range h.sinks {
		targets[id] = s
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if !s.TrySend(data) {
			h.log.Debug().Str("client", id).Str("method", method).Msg("sink not ready, event skipped")
		}
	}
}
