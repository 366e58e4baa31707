// Package types defines the shared types used across all Exobridge packages.
//
// These types form the lingua franca between the telephony ingest, the pub/sub
// transport, the ASR worker, the transcript consumer, and the dashboard fan-out.
// They are intentionally minimal — each package defines its own domain types,
// but cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Valid PCM sample rates accepted on ingest.
const (
	SampleRate8k  = 8000
	SampleRate16k = 16000
	SampleRate24k = 24000
)

// EncodingPCM16 is the only audio encoding carried through the pipeline:
// raw little-endian 16-bit mono PCM.
const EncodingPCM16 = "pcm16"

// ValidSampleRate reports whether rate is one of the supported PCM rates.
func ValidSampleRate(rate int) bool {
	return rate == SampleRate8k || rate == SampleRate16k || rate == SampleRate24k
}

// AudioFrame is a single frame of call audio flowing from ingest to the ASR
// worker. Within an interaction Seq is strictly increasing and gapless from
// the producer's perspective; consumers must not assume gaplessness after
// transport.
type AudioFrame struct {
	TenantID      string `json:"tenant_id"`
	InteractionID string `json:"interaction_id"`

	// Seq is monotonic per interaction, starting at 1.
	Seq int64 `json:"seq"`

	TimestampMS int64 `json:"timestamp_ms"`

	// SampleRate in Hz: 8000, 16000 or 24000.
	SampleRate int `json:"sample_rate"`

	// Encoding is always "pcm16".
	Encoding string `json:"encoding"`

	// Audio is raw little-endian 16-bit mono PCM.
	Audio []byte `json:"audio"`

	TraceID string `json:"trace_id,omitempty"`
}

// DurationMS returns the wall-clock duration of the frame's audio in
// milliseconds, or 0 when the sample rate is unset.
func (f AudioFrame) DurationMS() int64 {
	if f.SampleRate <= 0 {
		return 0
	}
	// 2 bytes per sample, mono.
	return int64(len(f.Audio)) * 1000 / int64(f.SampleRate*2)
}

// TranscriptKind distinguishes interim STT results from committed ones.
type TranscriptKind string

const (
	// TranscriptPartial is an STT result that may be revised by subsequent results.
	TranscriptPartial TranscriptKind = "partial"

	// TranscriptFinal is an STT result committed by the provider.
	TranscriptFinal TranscriptKind = "final"
)

// Speaker identifies which side of the call produced an utterance.
type Speaker string

const (
	SpeakerAgent    Speaker = "agent"
	SpeakerCustomer Speaker = "customer"
	SpeakerUnknown  Speaker = "unknown"
)

// Transcript is a single transcription result produced by the ASR worker and
// consumed by the fan-out and the write-through store. Text is non-empty
// after filtering.
type Transcript struct {
	InteractionID string         `json:"interaction_id"`
	Seq           int64          `json:"seq"`
	TS            int64          `json:"ts"`
	Text          string         `json:"text"`
	Kind          TranscriptKind `json:"kind"`
	Speaker       Speaker        `json:"speaker"`
	Confidence    float64        `json:"confidence,omitempty"`
}

// IntentVerdict is the result of classifying the caller's current intent.
type IntentVerdict struct {
	InteractionID string `json:"interaction_id"`
	Seq           int64  `json:"seq"`

	// Intent is normalised snake_case, max 50 chars; "unknown" when the
	// classifier cannot produce a verdict.
	Intent string `json:"intent"`

	// Confidence is clamped to [0, 1].
	Confidence float64 `json:"confidence"`

	TS int64 `json:"ts"`
}

// IntentUnknown is the verdict used when classification fails or times out.
const IntentUnknown = "unknown"

// KBArticle is a knowledge-base search hit. Retrieval only — the pipeline
// never writes KB articles.
type KBArticle struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Snippet string   `json:"snippet"`
	URL     string   `json:"url,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	// Source names the adapter that produced the hit.
	Source string `json:"source"`

	Confidence float64 `json:"confidence"`
}

// CallStatus is the lifecycle state of a registry entry.
type CallStatus string

const (
	CallActive CallStatus = "active"
	CallEnded  CallStatus = "ended"
)

// CallRegistryEntry describes one live (or recently ended) call in the
// short-lived registry that backs dashboard auto-discovery. Entries expire
// one hour after LastActivityAt.
type CallRegistryEntry struct {
	InteractionID  string            `json:"interaction_id"`
	TenantID       string            `json:"tenant_id"`
	AgentID        string            `json:"agent_id,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Status         CallStatus        `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Disposition is a categorical call outcome suggested by the summariser or
// chosen by an agent. ID is the tenant taxonomy id, set once the disposition
// has been matched against the taxonomy.
type Disposition struct {
	ID    string  `json:"id,omitempty"`
	Code  string  `json:"code"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// CallSummary is the once-per-call disposition summary produced at call end.
// Generation may be retried; results may differ across attempts.
type CallSummary struct {
	InteractionID string        `json:"interaction_id"`
	Issue         string        `json:"issue"`
	Resolution    string        `json:"resolution"`
	NextSteps     string        `json:"next_steps"`
	Dispositions  []Disposition `json:"dispositions"`
	Confidence    float64       `json:"confidence"`

	// UsedFallback is true when the LLM reply did not match the expected
	// schema and the raw output was preserved under Resolution instead.
	UsedFallback bool `json:"used_fallback"`
}

// CallEnd signals the end of an interaction on the shared call_end topic.
type CallEnd struct {
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id,omitempty"`
	Reason        string `json:"reason"`
}
