package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exolabs/exobridge/pkg/types"
)

var _ Registry = (*Memory)(nil)

// Memory is an in-process Registry for tests and single-node deployments.
// Expiry is evaluated lazily on read.
type Memory struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]types.CallRegistryEntry
}

// MemoryOption is a functional option for [NewMemory].
type MemoryOption func(*Memory)

// WithClock overrides the registry's time source. Test use only.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory registry.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		entries: make(map[string]types.CallRegistryEntry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register implements Registry.
func (m *Memory) Register(_ context.Context, entry types.CallRegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.InteractionID] = entry
	return nil
}

// Touch implements Registry.
func (m *Memory) Touch(_ context.Context, interactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[interactionID]
	if !ok || m.expired(e) {
		delete(m.entries, interactionID)
		return nil
	}
	e.LastActivityAt = m.now()
	m.entries[interactionID] = e
	return nil
}

// MarkEnded implements Registry.
func (m *Memory) MarkEnded(_ context.Context, interactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[interactionID]
	if !ok || m.expired(e) {
		delete(m.entries, interactionID)
		return nil
	}
	e.Status = types.CallEnded
	e.LastActivityAt = m.now()
	m.entries[interactionID] = e
	return nil
}

// Get implements Registry.
func (m *Memory) Get(_ context.Context, interactionID string) (*types.CallRegistryEntry, error) {
	m.mu.RLock()
	e, ok := m.entries[interactionID]
	m.mu.RUnlock()
	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

// ListActive implements Registry.
func (m *Memory) ListActive(_ context.Context, limit int) ([]types.CallRegistryEntry, error) {
	m.mu.RLock()
	out := make([]types.CallRegistryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Status == types.CallActive && !m.expired(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Registry.
func (m *Memory) Close() error { return nil }

func (m *Memory) expired(e types.CallRegistryEntry) bool {
	return m.now().Sub(e.LastActivityAt) > EntryTTL
}
