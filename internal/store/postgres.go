package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exolabs/exobridge/pkg/types"
)

var _ Store = (*Postgres)(nil)

// Postgres is the production Store backed by a single [pgxpool.Pool]. The
// same pool is shared with the direct KB adapter and the tenant config
// source via [Postgres.Pool].
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, verifies the connection, and
// runs [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying connection pool for components that share the
// database (KB direct adapter, tenant config source).
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

const upsertTranscriptSQL = `
INSERT INTO transcripts (interaction_id, seq, tenant_id, ts, text, kind, speaker, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (interaction_id, seq) DO UPDATE SET
    text = EXCLUDED.text,
    kind = EXCLUDED.kind,
    speaker = EXCLUDED.speaker,
    confidence = EXCLUDED.confidence
`

// SaveTranscript implements Store.
func (s *Postgres) SaveTranscript(ctx context.Context, tenantID string, line types.Transcript) error {
	_, err := s.pool.Exec(ctx, upsertTranscriptSQL,
		line.InteractionID, line.Seq, tenantID, line.TS, line.Text,
		string(line.Kind), string(line.Speaker), line.Confidence,
	)
	if err != nil {
		return fmt.Errorf("store: save transcript %s/%d: %w", line.InteractionID, line.Seq, err)
	}
	return nil
}

// SaveTranscripts implements Store. The batch goes out in a single round
// trip; any statement error fails the whole batch.
func (s *Postgres) SaveTranscripts(ctx context.Context, tenantID string, lines []types.Transcript) error {
	if len(lines) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(upsertTranscriptSQL,
			line.InteractionID, line.Seq, tenantID, line.TS, line.Text,
			string(line.Kind), string(line.Speaker), line.Confidence,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range lines {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: save transcript batch: %w", err)
		}
	}
	return nil
}

// ListTranscripts implements Store.
func (s *Postgres) ListTranscripts(ctx context.Context, interactionID string) ([]types.Transcript, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT interaction_id, seq, ts, text, kind, speaker, confidence
		FROM transcripts
		WHERE interaction_id = $1
		ORDER BY seq ASC`, interactionID)
	if err != nil {
		return nil, fmt.Errorf("store: list transcripts %s: %w", interactionID, err)
	}
	defer rows.Close()

	var out []types.Transcript
	for rows.Next() {
		var line types.Transcript
		var kind, speaker string
		if err := rows.Scan(&line.InteractionID, &line.Seq, &line.TS, &line.Text, &kind, &speaker, &line.Confidence); err != nil {
			return nil, fmt.Errorf("store: scan transcript: %w", err)
		}
		line.Kind = types.TranscriptKind(kind)
		line.Speaker = types.Speaker(speaker)
		out = append(out, line)
	}
	return out, rows.Err()
}

// SaveIntent implements Store.
func (s *Postgres) SaveIntent(ctx context.Context, tenantID string, verdict types.IntentVerdict) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO intents (interaction_id, seq, tenant_id, intent, confidence, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (interaction_id, seq) DO UPDATE SET
		    intent = EXCLUDED.intent,
		    confidence = EXCLUDED.confidence`,
		verdict.InteractionID, verdict.Seq, tenantID, verdict.Intent, verdict.Confidence, verdict.TS,
	)
	if err != nil {
		return fmt.Errorf("store: save intent %s/%d: %w", verdict.InteractionID, verdict.Seq, err)
	}
	return nil
}

// SaveDisposition implements Store.
func (s *Postgres) SaveDisposition(ctx context.Context, interactionID string, d types.Disposition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispositions (interaction_id, taxonomy_id, code, title, score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (interaction_id, code) DO UPDATE SET
		    taxonomy_id = EXCLUDED.taxonomy_id,
		    title = EXCLUDED.title,
		    score = EXCLUDED.score`,
		interactionID, d.ID, d.Code, d.Title, d.Score,
	)
	if err != nil {
		return fmt.Errorf("store: save disposition %s/%s: %w", interactionID, d.Code, err)
	}
	return nil
}

// DispositionTaxonomy implements Store.
func (s *Postgres) DispositionTaxonomy(ctx context.Context, tenantID string) ([]types.Disposition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, title
		FROM disposition_taxonomy
		WHERE tenant_id = $1
		ORDER BY code ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: disposition taxonomy %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []types.Disposition
	for rows.Next() {
		var d types.Disposition
		if err := rows.Scan(&d.ID, &d.Code, &d.Title); err != nil {
			return nil, fmt.Errorf("store: scan taxonomy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
