package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ TenantSource = (*PGTenantSource)(nil)

// PGTenantSource reads configuration layers from the tenant_configs table.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS tenant_configs (
//	    scope_type TEXT NOT NULL,
//	    scope_id   TEXT NOT NULL DEFAULT '',
//	    settings   JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (scope_type, scope_id)
//	);
type PGTenantSource struct {
	pool *pgxpool.Pool
}

// NewPGTenantSource creates a source over an existing connection pool. The
// caller keeps ownership of the pool.
func NewPGTenantSource(pool *pgxpool.Pool) *PGTenantSource {
	return &PGTenantSource{pool: pool}
}

// Layer implements TenantSource.
func (s *PGTenantSource) Layer(ctx context.Context, scopeType, scopeID string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT settings FROM tenant_configs WHERE scope_type = $1 AND scope_id = $2`,
		scopeType, scopeID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant_configs: %w", err)
	}

	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode settings for %s/%s: %w", scopeType, scopeID, err)
	}
	return doc, nil
}
