package consumer

import (
	"sync"
	"testing"
	"time"

	"github.com/exolabs/exobridge/pkg/types"
)

type cacheClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *cacheClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *cacheClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCacheAppendAndRead(t *testing.T) {
	t.Parallel()

	c := NewCache()
	c.Append("CA1", types.Transcript{InteractionID: "CA1", Seq: 1, Text: "hello"})
	c.Append("CA1", types.Transcript{InteractionID: "CA1", Seq: 2, Text: "world"})

	lines, ok := c.Read("CA1")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if len(lines) != 2 || lines[0].Seq != 1 || lines[1].Seq != 2 {
		t.Fatalf("lines = %+v", lines)
	}

	if _, ok := c.Read("CA2"); ok {
		t.Fatal("unexpected hit for unknown call")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clk := &cacheClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	c := NewCache(WithCacheClock(clk.Now))

	c.Append("CA1", types.Transcript{InteractionID: "CA1", Seq: 1, Text: "hello"})

	clk.Advance(59 * time.Minute)
	if _, ok := c.Read("CA1"); !ok {
		t.Fatal("entry expired before the TTL")
	}

	// An append refreshes freshness.
	c.Append("CA1", types.Transcript{InteractionID: "CA1", Seq: 2, Text: "again"})
	clk.Advance(59 * time.Minute)
	if lines, ok := c.Read("CA1"); !ok || len(lines) != 2 {
		t.Fatalf("refreshed entry: ok=%v lines=%d", ok, len(lines))
	}

	clk.Advance(2 * time.Hour)
	if _, ok := c.Read("CA1"); ok {
		t.Fatal("stale entry still readable")
	}
}

func TestCacheDrop(t *testing.T) {
	t.Parallel()

	c := NewCache()
	c.Append("CA1", types.Transcript{InteractionID: "CA1", Seq: 1, Text: "hello"})
	c.Drop("CA1")
	if _, ok := c.Read("CA1"); ok {
		t.Fatal("dropped entry still readable")
	}
}
