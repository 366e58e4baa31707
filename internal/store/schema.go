package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — transcripts and intents (write-through path)
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    interaction_id TEXT         NOT NULL,
    seq            BIGINT       NOT NULL,
    tenant_id      TEXT         NOT NULL DEFAULT '',
    ts             BIGINT       NOT NULL,
    text           TEXT         NOT NULL,
    kind           TEXT         NOT NULL DEFAULT 'final',
    speaker        TEXT         NOT NULL DEFAULT 'unknown',
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (interaction_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcripts_tenant
    ON transcripts (tenant_id);
`

const ddlIntents = `
CREATE TABLE IF NOT EXISTS intents (
    interaction_id TEXT         NOT NULL,
    seq            BIGINT       NOT NULL,
    tenant_id      TEXT         NOT NULL DEFAULT '',
    intent         TEXT         NOT NULL,
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
    ts             BIGINT       NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (interaction_id, seq)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — dispositions and taxonomy
// ─────────────────────────────────────────────────────────────────────────────

const ddlDispositions = `
CREATE TABLE IF NOT EXISTS dispositions (
    interaction_id TEXT         NOT NULL,
    taxonomy_id    TEXT         NOT NULL DEFAULT '',
    code           TEXT         NOT NULL,
    title          TEXT         NOT NULL DEFAULT '',
    score          DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (interaction_id, code)
);

CREATE TABLE IF NOT EXISTS disposition_taxonomy (
    id         TEXT  NOT NULL,
    tenant_id  TEXT  NOT NULL,
    code       TEXT  NOT NULL,
    title      TEXT  NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_disposition_taxonomy_tenant
    ON disposition_taxonomy (tenant_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — knowledge base and tenant configuration
// ─────────────────────────────────────────────────────────────────────────────

const ddlKnowledgeBase = `
CREATE TABLE IF NOT EXISTS kb_articles (
    id         TEXT         PRIMARY KEY,
    tenant_id  TEXT         NOT NULL,
    title      TEXT         NOT NULL,
    snippet    TEXT         NOT NULL DEFAULT '',
    url        TEXT         NOT NULL DEFAULT '',
    tags       TEXT[]       NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kb_articles_tenant ON kb_articles (tenant_id);

CREATE INDEX IF NOT EXISTS idx_kb_articles_fts
    ON kb_articles USING GIN (to_tsvector('english', title || ' ' || snippet));
`

const ddlTenantConfigs = `
CREATE TABLE IF NOT EXISTS tenant_configs (
    scope_type TEXT         NOT NULL,
    scope_id   TEXT         NOT NULL DEFAULT '',
    settings   JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (scope_type, scope_id)
);
`

// Migrate creates all tables the server needs. Every statement is
// IF NOT EXISTS so repeated boots are safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTranscripts,
		ddlIntents,
		ddlDispositions,
		ddlKnowledgeBase,
		ddlTenantConfigs,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
