package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Scope identifies the configuration layers that apply to a call. Empty
// fields skip their layer.
type Scope struct {
	TenantID   string
	CampaignID string
	AgentID    string
}

// TenantSettings is the per-tenant runtime configuration resolved from the
// configs table. Fields left empty by every layer keep their zero value;
// [Resolver.Resolve] fills documented defaults afterwards.
type TenantSettings struct {
	// KBProvider selects the knowledge-base adapter: "direct", "remote", or
	// "none".
	KBProvider string `json:"kb_provider"`

	// KBBaseURL is the remote KB endpoint, used when KBProvider is "remote".
	KBBaseURL string `json:"kb_base_url"`

	// KBToken authenticates remote KB requests.
	KBToken string `json:"kb_token"`

	// MaxArticles caps KB results per lookup. Default 3.
	MaxArticles int `json:"max_articles"`

	// LLMModel overrides the server-wide model for intent classification and
	// summarisation.
	LLMModel string `json:"llm_model"`
}

// TenantSource fetches the raw settings document for one configuration layer.
// A missing layer returns (nil, nil).
type TenantSource interface {
	Layer(ctx context.Context, scopeType, scopeID string) (map[string]any, error)
}

// Resolver merges configuration layers for a scope and caches the result.
//
// Layers apply in order default, global, tenant, campaign, agent; later
// layers win per key, with nested maps merged recursively. Resolved settings
// are cached for a short TTL so config edits propagate without a restart.
type Resolver struct {
	source TenantSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[Scope]tenantCacheEntry
}

type tenantCacheEntry struct {
	settings *TenantSettings
	expires  time.Time
}

// ResolverOption is a functional option for [NewResolver].
type ResolverOption func(*Resolver)

// WithCacheTTL overrides the default 5 second cache TTL.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithClock overrides the resolver's time source. Test use only.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver over the given source.
func NewResolver(source TenantSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source: source,
		ttl:    5 * time.Second,
		now:    time.Now,
		cache:  make(map[Scope]tenantCacheEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the merged settings for scope, serving from cache when a
// fresh entry exists.
func (r *Resolver) Resolve(ctx context.Context, scope Scope) (*TenantSettings, error) {
	r.mu.Lock()
	if e, ok := r.cache[scope]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return e.settings, nil
	}
	r.mu.Unlock()

	merged := map[string]any{}
	for _, layer := range scopeLayers(scope) {
		doc, err := r.source.Layer(ctx, layer.scopeType, layer.scopeID)
		if err != nil {
			return nil, fmt.Errorf("config: fetch %s layer: %w", layer.scopeType, err)
		}
		deepMerge(merged, doc)
	}

	settings, err := decodeSettings(merged)
	if err != nil {
		return nil, err
	}
	if settings.MaxArticles <= 0 {
		settings.MaxArticles = 3
	}

	r.mu.Lock()
	r.cache[scope] = tenantCacheEntry{settings: settings, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return settings, nil
}

type layerRef struct {
	scopeType string
	scopeID   string
}

// scopeLayers lists the layers that apply to scope, least specific first.
func scopeLayers(scope Scope) []layerRef {
	layers := []layerRef{
		{"default", ""},
		{"global", ""},
	}
	if scope.TenantID != "" {
		layers = append(layers, layerRef{"tenant", scope.TenantID})
	}
	if scope.CampaignID != "" {
		layers = append(layers, layerRef{"campaign", scope.CampaignID})
	}
	if scope.AgentID != "" {
		layers = append(layers, layerRef{"agent", scope.AgentID})
	}
	return layers
}

// deepMerge overlays src onto dst in place. Nested maps merge recursively;
// every other value type overwrites.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
			cp := map[string]any{}
			deepMerge(cp, sv)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

// decodeSettings converts a merged document into typed settings.
func decodeSettings(doc map[string]any) (*TenantSettings, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: encode merged settings: %w", err)
	}
	settings := &TenantSettings{}
	if err := json.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("config: decode merged settings: %w", err)
	}
	return settings, nil
}

// MemoryTenantSource is an in-memory [TenantSource] for tests and single-node
// deployments without Postgres.
type MemoryTenantSource struct {
	mu     sync.RWMutex
	layers map[layerRef]map[string]any
}

// NewMemoryTenantSource returns an empty source.
func NewMemoryTenantSource() *MemoryTenantSource {
	return &MemoryTenantSource{layers: make(map[layerRef]map[string]any)}
}

// Set stores the settings document for one layer, replacing any previous one.
func (s *MemoryTenantSource) Set(scopeType, scopeID string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[layerRef{scopeType, scopeID}] = doc
}

// Layer implements TenantSource.
func (s *MemoryTenantSource) Layer(_ context.Context, scopeType, scopeID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layers[layerRef{scopeType, scopeID}], nil
}
