package hub

import (
	"sync"

	"go.uber.org/zap"

	"crypto-market-hub/internal/engine"
	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
	"crypto-market-hub/internal/telemetry"
)

// IngestStarter launches upstream ingestion for a newly requested symbol.
// Implementations must return immediately (spawn their own goroutine).
type IngestStarter func(symbol string, cfg model.StreamConfig)

// Hub owns the set of connected downstream clients and fans engine messages
// out to matching subscribers. It registers on the engine as a Processor.
type Hub struct {
	engine *engine.Engine
	cfg    *service.Config
	ingest IngestStarter

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// New creates a hub bound to the engine. ingest may be nil when dynamic
// symbol ingestion is disabled (tests).
func New(eng *engine.Engine, cfg *service.Config, ingest IngestStarter) *Hub {
	return &Hub{
		engine:  eng,
		cfg:     cfg,
		ingest:  ingest,
		clients: make(map[*Client]struct{}),
	}
}

// Process implements engine.Processor: one normalized message is delivered
// to every matching client without blocking the caller.
func (h *Hub) Process(msg *model.Message) {
	if msg.Kind == model.KindHistoricalCandles {
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.deliver(msg)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	telemetry.ClientsConnected.Inc()
	service.Logger.Info("Client connected", zap.String("remote", c.remote))
}

// unregister drops the client and all of its subscriptions. Idempotent, and
// safe to run concurrently with in-flight deliveries to the same client.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if present {
		telemetry.ClientsConnected.Dec()
		service.Logger.Info("Client disconnected", zap.String("remote", c.remote))
	}
}

// ClientQueueDepths reports the pending outbound queue length per client,
// keyed by remote address, for the health endpoint.
func (h *Hub) ClientQueueDepths() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.clients))
	for c := range h.clients {
		out[c.remote] = len(c.send)
	}
	return out
}
