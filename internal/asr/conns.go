package asr

import (
	"context"
	"sync"

	"github.com/exolabs/exobridge/pkg/provider/stt"
)

// connStatus tells the caller how its session handle was obtained.
type connStatus int

const (
	// connCreated means this caller ran the creation itself.
	connCreated connStatus = iota

	// connReused means an established session already existed.
	connReused

	// connAwaited means the caller blocked on a creation another goroutine
	// had in flight and received its result.
	connAwaited
)

// connEntry is one creation promise. ready is closed once handle and err are
// set; waiters block on it.
type connEntry struct {
	ready  chan struct{}
	handle stt.SessionHandle
	err    error
}

// connMap guarantees at most one STT session per interaction id. A bare
// check-then-create races under concurrent frames for the same interaction;
// the map instead registers a creation promise atomically, so concurrent
// callers await the in-flight creation and share its result.
type connMap struct {
	mu      sync.Mutex
	entries map[string]*connEntry
}

func newConnMap() *connMap {
	return &connMap{entries: make(map[string]*connEntry)}
}

// get returns the session for id, creating it via create if none exists.
// Failed creations are removed from the map before waiters are released, so
// the next call re-enters creation cleanly.
func (m *connMap) get(ctx context.Context, id string, create func(ctx context.Context) (stt.SessionHandle, error)) (stt.SessionHandle, connStatus, error) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		status := connAwaited
		select {
		case <-e.ready:
			status = connReused
		default:
		}
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, status, ctx.Err()
		}
		if e.err != nil {
			return nil, status, e.err
		}
		return e.handle, status, nil
	}

	e := &connEntry{ready: make(chan struct{})}
	m.entries[id] = e
	m.mu.Unlock()

	handle, err := create(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, connCreated, err
	}

	e.handle = handle
	close(e.ready)
	return handle, connCreated, nil
}

// remove drops the entry for id. Callers close the handle themselves; remove
// only makes the id eligible for a fresh creation.
func (m *connMap) remove(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// settled reports whether id currently maps to an established session.
func (m *connMap) settled(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}
