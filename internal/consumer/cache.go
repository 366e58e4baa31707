package consumer

import (
	"sync"
	"time"

	"github.com/exolabs/exobridge/pkg/types"
)

// cacheTTL is how long a call's cached transcript stays readable after the
// last append. Backs the HTTP polling-fallback read path.
const cacheTTL = time.Hour

// Cache is the in-memory per-call transcript list. Appends refresh the
// call's freshness; reads of stale calls miss and evict.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	calls map[string]*cacheEntry
}

type cacheEntry struct {
	lines   []types.Transcript
	touched time.Time
}

// CacheOption is a functional option for [NewCache].
type CacheOption func(*Cache)

// WithCacheTTL overrides the freshness window.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCacheClock overrides the cache's time source. Test use only.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty transcript cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:   cacheTTL,
		now:   time.Now,
		calls: make(map[string]*cacheEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Append adds one line to the call's cached transcript.
func (c *Cache) Append(interactionID string, line types.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.calls[interactionID]
	if !ok {
		e = &cacheEntry{}
		c.calls[interactionID] = e
	}
	e.lines = append(e.lines, line)
	e.touched = c.now()
}

// Read returns the cached transcript for a call and whether the cache held a
// fresh entry. Stale entries are evicted on read.
func (c *Cache) Read(interactionID string) ([]types.Transcript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.calls[interactionID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.touched) > c.ttl {
		delete(c.calls, interactionID)
		return nil, false
	}
	out := make([]types.Transcript, len(e.lines))
	copy(out, e.lines)
	return out, true
}

// Drop removes a call's cached transcript.
func (c *Cache) Drop(interactionID string) {
	c.mu.Lock()
	delete(c.calls, interactionID)
	c.mu.Unlock()
}
