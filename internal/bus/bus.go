// Package bus provides the typed publish/subscribe transport that carries
// audio frames, transcripts, intent updates and call-end events between
// Exobridge processes.
//
// Three backings implement the [Bus] interface:
//
//   - [NewRedis] — Redis Streams with consumer groups (primary). Append-only
//     log per topic, at-least-once delivery, explicit acknowledgement via the
//     pending-entries list.
//   - [NewKafka] — a partitioned log with consumer groups; offsets are
//     committed after the handler returns without error.
//   - [NewMemory] — synchronous in-process delivery for tests.
//
// Delivery is at-least-once on the stream backings; consumers must be
// idempotent on (interaction_id, seq). Ordering is preserved per topic within
// a backing; no cross-topic ordering is guaranteed.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the standard message wrapper carried on every topic.
type Envelope struct {
	TraceID       string          `json:"trace_id,omitempty"`
	InteractionID string          `json:"interaction_id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	TimestampMS   int64           `json:"timestamp_ms"`
	Payload       json.RawMessage `json:"payload"`
}

// Message is a delivered envelope plus its backing-assigned ID.
type Message struct {
	// ID is the message identifier assigned by the backing (Redis stream
	// entry ID, Kafka partition/offset pair, or a UUID for the in-memory
	// backing).
	ID string

	Envelope
}

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error leaves it unacknowledged so the backing
// redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live topic subscription. Close stops delivery and waits
// for in-flight handlers to drain.
type Subscription interface {
	Close(ctx context.Context) error
}

// Bus abstracts the transport backings behind one publish/subscribe surface.
// Implementations must be safe for concurrent use.
type Bus interface {
	// Publish appends env to topic and returns the backing-assigned
	// message ID.
	Publish(ctx context.Context, topic string, env Envelope) (string, error)

	// Subscribe registers h for messages on topic as a member of the named
	// consumer group. Groups are created on first use where the backing
	// supports them; the in-memory backing treats every subscription as its
	// own group. The handler is invoked once per delivered message, in
	// topic order.
	Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error)

	// Close releases all backing resources. In-flight handlers are drained
	// before Close returns.
	Close(ctx context.Context) error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Topic names. Audio may be carried either on a shared stream or one stream
// per tenant — a deployment choice surfaced in the ingest config.
const (
	// TopicAudioShared is the single shared audio stream.
	TopicAudioShared = "audio_stream"

	// TopicCallEnd carries call-end events for all interactions.
	TopicCallEnd = "call_end"
)

// TopicAudio returns the per-tenant audio topic.
func TopicAudio(tenantID string) string {
	return "audio." + tenantID
}

// TopicTranscript returns the per-interaction transcript topic.
func TopicTranscript(interactionID string) string {
	return "transcript." + interactionID
}

// TopicIntent returns the per-interaction intent topic.
func TopicIntent(interactionID string) string {
	return "intent." + interactionID
}

// Marshal wraps payload into an Envelope, serialising it as JSON.
func Marshal(traceID, interactionID, tenantID string, timestampMS int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: marshal payload: %w", err)
	}
	return Envelope{
		TraceID:       traceID,
		InteractionID: interactionID,
		TenantID:      tenantID,
		TimestampMS:   timestampMS,
		Payload:       raw,
	}, nil
}
