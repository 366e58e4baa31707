// Package registry tracks live calls for dashboard auto-discovery.
//
// The registry is a short-lived key-value view keyed by interaction id.
// Ingest registers a call on the telephony start event, touches it on every
// media frame, and marks it ended on stop. Entries expire one hour after
// their last activity so crashed producers cannot leak calls forever.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/exolabs/exobridge/pkg/types"
)

// EntryTTL is how long an entry survives past its last activity.
const EntryTTL = time.Hour

// ErrNotFound is returned by Get when no entry exists for the id.
var ErrNotFound = errors.New("registry: call not found")

// Registry is the live-call store. Implementations are safe for concurrent
// use. Entries have a single writer (the ingest connection that started the
// call) and many readers.
type Registry interface {
	// Register stores entry with status active. Re-registering an id
	// overwrites the previous entry.
	Register(ctx context.Context, entry types.CallRegistryEntry) error

	// Touch refreshes last_activity_at and the TTL for id. Touching an
	// unknown or expired id is a no-op: a late media frame must not
	// resurrect a call.
	Touch(ctx context.Context, interactionID string) error

	// MarkEnded flips the entry's status to ended. The entry remains
	// readable via Get until its TTL lapses but no longer appears in
	// ListActive.
	MarkEnded(ctx context.Context, interactionID string) error

	// Get returns the entry for id, or ErrNotFound.
	Get(ctx context.Context, interactionID string) (*types.CallRegistryEntry, error)

	// ListActive returns up to limit active entries ordered by
	// last_activity_at descending. limit <= 0 means no cap.
	ListActive(ctx context.Context, limit int) ([]types.CallRegistryEntry, error)

	// Close releases the backing resources.
	Close() error
}
