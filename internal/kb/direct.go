package kb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exolabs/exobridge/pkg/types"
)

var _ Adapter = (*Direct)(nil)

const defaultLimit = 3

// Direct searches the kb_articles table in the shared database using
// Postgres full-text ranking over title and snippet, with tags as a
// secondary match.
type Direct struct {
	pool *pgxpool.Pool
}

// NewDirect creates a Direct adapter over an existing pool. The caller keeps
// ownership of the pool.
func NewDirect(pool *pgxpool.Pool) *Direct {
	return &Direct{pool: pool}
}

// Name implements Adapter.
func (d *Direct) Name() string { return "direct" }

// Search implements Adapter.
func (d *Direct) Search(ctx context.Context, query string, opts SearchOptions) ([]types.KBArticle, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := d.pool.Query(ctx, `
		SELECT id, title, snippet, url, tags,
		       ts_rank(to_tsvector('english', title || ' ' || snippet),
		               plainto_tsquery('english', $2)) AS rank
		FROM kb_articles
		WHERE tenant_id = $1
		  AND (to_tsvector('english', title || ' ' || snippet) @@ plainto_tsquery('english', $2)
		       OR tags && string_to_array(lower($2), ' '))
		ORDER BY rank DESC
		LIMIT $3`, opts.TenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("kb direct: search %q: %w", query, err)
	}
	defer rows.Close()

	var out []types.KBArticle
	for rows.Next() {
		var a types.KBArticle
		var rank float64
		if err := rows.Scan(&a.ID, &a.Title, &a.Snippet, &a.URL, &a.Tags, &rank); err != nil {
			return nil, fmt.Errorf("kb direct: scan article: %w", err)
		}
		a.Source = d.Name()
		a.Confidence = rank
		out = append(out, a)
	}
	return out, rows.Err()
}
