// Package store is the durable persistence layer for transcripts, intents,
// and dispositions.
//
// The pipeline writes through on every final transcript line and intent
// verdict so a dashboard reload can rebuild state that has aged out of the
// hot cache. Reads are rare compared to writes.
package store

import (
	"context"

	"github.com/exolabs/exobridge/pkg/types"
)

// Store is the persistence abstraction. Implementations are safe for
// concurrent use. Writes are idempotent per (interaction_id, seq) so
// at-least-once delivery from the bus cannot duplicate rows.
type Store interface {
	// SaveTranscript upserts a single transcript line.
	SaveTranscript(ctx context.Context, tenantID string, line types.Transcript) error

	// SaveTranscripts upserts a batch of lines in one round trip.
	SaveTranscripts(ctx context.Context, tenantID string, lines []types.Transcript) error

	// ListTranscripts returns all stored lines for an interaction ordered
	// by seq ascending.
	ListTranscripts(ctx context.Context, interactionID string) ([]types.Transcript, error)

	// SaveIntent upserts an intent verdict.
	SaveIntent(ctx context.Context, tenantID string, verdict types.IntentVerdict) error

	// SaveDisposition records an agent-confirmed disposition for a call.
	SaveDisposition(ctx context.Context, interactionID string, d types.Disposition) error

	// DispositionTaxonomy returns the tenant's disposition catalogue used to
	// resolve LLM-suggested dispositions to taxonomy ids.
	DispositionTaxonomy(ctx context.Context, tenantID string) ([]types.Disposition, error)

	// Close releases backing resources.
	Close() error
}
