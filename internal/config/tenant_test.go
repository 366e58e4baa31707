package config

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newResolverForTest(t *testing.T, src TenantSource, opts ...ResolverOption) *Resolver {
	t.Helper()
	return NewResolver(src, opts...)
}

func TestResolveLayerPrecedence(t *testing.T) {
	t.Parallel()

	src := NewMemoryTenantSource()
	src.Set("default", "", map[string]any{"kb_provider": "none", "max_articles": 3})
	src.Set("global", "", map[string]any{"kb_provider": "direct"})
	src.Set("tenant", "acme", map[string]any{"max_articles": 5, "llm_model": "gpt-4o-mini"})
	src.Set("campaign", "summer", map[string]any{"llm_model": "gpt-4o"})
	src.Set("agent", "a42", map[string]any{"max_articles": 1})

	r := newResolverForTest(t, src)
	got, err := r.Resolve(context.Background(), Scope{TenantID: "acme", CampaignID: "summer", AgentID: "a42"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if got.KBProvider != "direct" {
		t.Errorf("KBProvider = %q, want direct (global overrides default)", got.KBProvider)
	}
	if got.LLMModel != "gpt-4o" {
		t.Errorf("LLMModel = %q, want gpt-4o (campaign overrides tenant)", got.LLMModel)
	}
	if got.MaxArticles != 1 {
		t.Errorf("MaxArticles = %d, want 1 (agent overrides tenant)", got.MaxArticles)
	}
}

func TestResolveSkipsEmptyScopeLevels(t *testing.T) {
	t.Parallel()

	src := NewMemoryTenantSource()
	src.Set("global", "", map[string]any{"kb_provider": "remote", "kb_base_url": "https://kb.example.com"})
	src.Set("tenant", "acme", map[string]any{"kb_token": "tok"})

	r := newResolverForTest(t, src)
	got, err := r.Resolve(context.Background(), Scope{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.KBProvider != "remote" || got.KBBaseURL != "https://kb.example.com" || got.KBToken != "tok" {
		t.Errorf("merged settings = %+v", got)
	}
	if got.MaxArticles != 3 {
		t.Errorf("MaxArticles = %d, want default 3", got.MaxArticles)
	}
}

// countingSource wraps a source and counts Layer calls.
type countingSource struct {
	inner TenantSource

	mu    sync.Mutex
	calls int
}

func (c *countingSource) Layer(ctx context.Context, scopeType, scopeID string) (map[string]any, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Layer(ctx, scopeType, scopeID)
}

func (c *countingSource) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestResolveCachesWithinTTL(t *testing.T) {
	t.Parallel()

	src := NewMemoryTenantSource()
	src.Set("tenant", "acme", map[string]any{"llm_model": "gpt-4o-mini"})
	counting := &countingSource{inner: src}

	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	r := newResolverForTest(t, counting, WithClock(clock))

	scope := Scope{TenantID: "acme"}
	if _, err := r.Resolve(context.Background(), scope); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	first := counting.count()

	// Within the TTL, no further source reads.
	now = now.Add(4 * time.Second)
	if _, err := r.Resolve(context.Background(), scope); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if counting.count() != first {
		t.Errorf("source hit %d times within TTL, want %d", counting.count(), first)
	}

	// After expiry the next Resolve refetches and picks up edits.
	src.Set("tenant", "acme", map[string]any{"llm_model": "gpt-4o"})
	now = now.Add(2 * time.Second)
	got, err := r.Resolve(context.Background(), scope)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if counting.count() == first {
		t.Error("source not refetched after TTL expiry")
	}
	if got.LLMModel != "gpt-4o" {
		t.Errorf("LLMModel = %q, want refreshed gpt-4o", got.LLMModel)
	}
}

func TestDeepMergeNestedMaps(t *testing.T) {
	t.Parallel()

	dst := map[string]any{
		"kb": map[string]any{"provider": "direct", "top_k": 3},
	}
	deepMerge(dst, map[string]any{
		"kb": map[string]any{"top_k": 5},
	})

	kb := dst["kb"].(map[string]any)
	if kb["provider"] != "direct" {
		t.Errorf("nested key provider lost: %v", kb)
	}
	if kb["top_k"] != 5 {
		t.Errorf("top_k = %v, want 5", kb["top_k"])
	}
}

func TestDeepMergeDoesNotAliasSource(t *testing.T) {
	t.Parallel()

	src := map[string]any{"kb": map[string]any{"provider": "direct"}}
	dst := map[string]any{}
	deepMerge(dst, src)

	dst["kb"].(map[string]any)["provider"] = "remote"
	if src["kb"].(map[string]any)["provider"] != "direct" {
		t.Error("merge aliased the source map")
	}
}
