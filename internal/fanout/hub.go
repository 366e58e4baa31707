// Package fanout pushes pipeline events to browser dashboards over
// Server-Sent Events.
//
// Consumers publish events into the [Hub]; each connected dashboard holds a
// registration scoped to one call id or to the global bucket. Delivery is
// best-effort: a client that cannot keep up is evicted rather than allowed
// to stall the pipeline.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/exolabs/exobridge/internal/observe"
)

// Event types pushed to dashboards.
const (
	EventConnection     = "connection"
	EventTranscriptLine = "transcript_line"
	EventIntentUpdate   = "intent_update"
	EventCallEnd        = "call_end"
)

// clientBuffer is the per-client send queue depth. A dashboard that falls
// this far behind is evicted.
const clientBuffer = 64

// Event is one SSE payload. CallID scopes delivery: clients registered for
// that call and clients in the global bucket receive it.
type Event struct {
	Type   string
	CallID string
	Data   any
}

// Encode renders the SSE wire framing for ev.
func (ev Event) Encode() ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("fanout: encode %s event: %w", ev.Type, err)
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", ev.Type, data), nil
}

// client is one dashboard connection. The channel gives the connection a
// single writer; the HTTP handler goroutine drains it.
type client struct {
	callID string // empty means the global bucket
	ch     chan []byte
}

// Hub is the shared client registry. Safe for concurrent use.
type Hub struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger, metrics *observe.Metrics) *Hub {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		log:     log.With("component", "fanout"),
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

// register adds a connection for callID ("" joins the global bucket) and
// returns its event channel plus an unregister func.
func (h *Hub) register(callID string) (*client, func()) {
	c := &client{callID: callID, ch: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SSEClients.Add(context.Background(), 1)
	h.log.Debug("sse client registered", "call_id", callID, "clients", n)

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			h.metrics.SSEClients.Add(context.Background(), -1)
		})
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers ev to every client in the global bucket and every
// client watching ev.CallID. Clients with a full queue are evicted.
func (h *Hub) Broadcast(ev Event) {
	frame, err := ev.Encode()
	if err != nil {
		h.log.Error("drop undeliverable event", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	var evicted []*client
	for c := range h.clients {
		if c.callID != "" && c.callID != ev.CallID {
			continue
		}
		select {
		case c.ch <- frame:
		default:
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		delete(h.clients, c)
		close(c.ch)
	}
	h.mu.Unlock()

	h.metrics.RecordBroadcast(context.Background(), ev.Type)
	for _, c := range evicted {
		h.metrics.SSEClients.Add(context.Background(), -1)
		h.log.Warn("evicted slow sse client", "call_id", c.callID, "type", ev.Type)
	}
}

// CloseAll disconnects every client. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.ch)
		h.metrics.SSEClients.Add(context.Background(), -1)
	}
	h.mu.Unlock()
}
