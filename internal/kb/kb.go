// Package kb provides knowledge-base lookup adapters.
//
// The transcript consumer queries the adapter selected by a tenant's runtime
// configuration after every intent verdict. Adapters are retrieval only; the
// pipeline never writes articles. Lookup failures surface as errors and the
// caller degrades to an empty article list.
package kb

import (
	"context"

	"github.com/exolabs/exobridge/pkg/types"
)

// SearchOptions bound a single lookup.
type SearchOptions struct {
	// TenantID scopes the search.
	TenantID string

	// Limit caps the number of articles returned. Zero means adapter default.
	Limit int

	// Context is optional surrounding conversation text the backend may use
	// to refine ranking. Adapters are free to ignore it.
	Context string
}

// Adapter answers knowledge-base queries. Implementations are safe for
// concurrent use.
type Adapter interface {
	// Search returns up to opts.Limit articles relevant to query, best first.
	Search(ctx context.Context, query string, opts SearchOptions) ([]types.KBArticle, error)

	// Name identifies the adapter in logs and article Source fields.
	Name() string
}

// Noop is the Adapter for tenants without a knowledge base. Every search
// returns no articles.
type Noop struct{}

// Search implements Adapter.
func (Noop) Search(context.Context, string, SearchOptions) ([]types.KBArticle, error) {
	return nil, nil
}

// Name implements Adapter.
func (Noop) Name() string { return "none" }
