package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// historyCap bounds the per-topic backlog retained for late subscribers.
const historyCap = 1024

// Memory is the in-process [Bus] backing. Publish delivers synchronously to
// every subscriber of the topic before returning, which gives tests fully
// deterministic ordering. Each topic retains a bounded backlog that Subscribe
// replays to a new subscriber, matching the stream backings' behaviour of
// delivering entries appended before the group existed. Acknowledgement is a
// no-op.
type Memory struct {
	mu      sync.Mutex
	subs    map[string][]*memorySub
	history map[string][]Message
	closed  bool
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[string][]*memorySub),
		history: make(map[string][]Message),
	}
}

type memorySub struct {
	bus     *Memory
	topic   string
	handler Handler

	// mu serialises handler invocations so per-topic ordering holds even
	// when Publish is called from multiple goroutines.
	mu sync.Mutex
}

// Publish implements [Bus]. Handler errors are ignored — the in-memory
// backing has no redelivery.
func (m *Memory) Publish(ctx context.Context, topic string, env Envelope) (string, error) {
	id := uuid.NewString()
	msg := Message{ID: id, Envelope: env}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	hist := append(m.history[topic], msg)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	m.history[topic] = hist
	subs := make([]*memorySub, len(m.subs[topic]))
	copy(subs, m.subs[topic])
	m.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		_ = s.handler(ctx, msg)
		s.mu.Unlock()
	}
	return id, nil
}

// Subscribe implements [Bus]. The group argument is ignored; every
// subscription receives every message. The topic's retained backlog is
// replayed to the handler before Subscribe returns.
func (m *Memory) Subscribe(ctx context.Context, topic, _ string, h Handler) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s := &memorySub{bus: m, topic: topic, handler: h}
	// Holding s.mu across registration and replay keeps concurrent Publish
	// calls queued behind the backlog, preserving per-topic order.
	s.mu.Lock()
	m.subs[topic] = append(m.subs[topic], s)
	backlog := make([]Message, len(m.history[topic]))
	copy(backlog, m.history[topic])
	m.mu.Unlock()

	for _, msg := range backlog {
		_ = h(ctx, msg)
	}
	s.mu.Unlock()
	return s, nil
}

// Close implements [Subscription].
func (s *memorySub) Close(context.Context) error {
	s.bus.mu.Lock()
	list := s.bus.subs[s.topic]
	for i, cur := range list {
		if cur == s {
			s.bus.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	// Wait for an in-flight handler to finish.
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck // lock/unlock pair used as a barrier
	return nil
}

// Close implements [Bus].
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string][]*memorySub)
	m.history = make(map[string][]Message)
	return nil
}
