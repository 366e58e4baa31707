// Package observe provides application-wide observability primitives for
// Exobridge: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Exobridge metrics.
const meterName = "github.com/exolabs/exobridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingest ---

	// FramesIn counts media frames accepted from the telephony provider.
	FramesIn metric.Int64Counter

	// BytesIn counts decoded PCM bytes accepted on ingest.
	BytesIn metric.Int64Counter

	// BufferDrops counts frames dropped from the publish-fallback buffer.
	BufferDrops metric.Int64Counter

	// PublishFailures counts failed bus publishes on the ingest path.
	PublishFailures metric.Int64Counter

	// BufferDepth tracks frames currently held in fallback buffers.
	BufferDepth metric.Int64UpDownCounter

	// ActiveConnections tracks open telephony WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ProtocolErrors counts dropped malformed frames (bad JSON, bad base64,
	// length mismatch). Use with attribute.String("reason", ...).
	ProtocolErrors metric.Int64Counter

	// --- ASR worker ---

	// ConnectionsCreated counts STT connections established.
	ConnectionsCreated metric.Int64Counter

	// ConnectionsReused counts frames served by an existing STT connection.
	ConnectionsReused metric.Int64Counter

	// DuplicateConnectionAttempts counts concurrent creation attempts that
	// awaited an in-flight creation instead of opening a second connection.
	DuplicateConnectionAttempts metric.Int64Counter

	// ChunksSent counts audio chunks flushed to the STT provider.
	ChunksSent metric.Int64Counter

	// TranscriptsReceived counts transcripts received from STT. Use with
	// attribute.String("kind", "partial"|"final").
	TranscriptsReceived metric.Int64Counter

	// SilenceSkipped counts near-silence chunks skipped before send.
	SilenceSkipped metric.Int64Counter

	// EmptyTranscripts counts empty results dropped at the worker boundary.
	EmptyTranscripts metric.Int64Counter

	// IdleCloses counts interactions torn down by the idle timeout.
	IdleCloses metric.Int64Counter

	// FirstPartialLatency tracks time from first audio frame to first
	// published transcript, in seconds.
	FirstPartialLatency metric.Float64Histogram

	// TranscriptLatency tracks per-transcript STT turnaround, in seconds.
	TranscriptLatency metric.Float64Histogram

	// --- Fan-out / consumer ---

	// SSEClients tracks currently registered SSE clients.
	SSEClients metric.Int64UpDownCounter

	// EventsBroadcast counts SSE events broadcast. Use with
	// attribute.String("type", ...).
	EventsBroadcast metric.Int64Counter

	// EnrichmentErrors counts failed enrichment steps. Use with
	// attribute.String("stage", "intent"|"kb"|"store").
	EnrichmentErrors metric.Int64Counter

	// SummaryFallbacks counts summaries built from malformed LLM replies.
	SummaryFallbacks metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second streaming latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Ingest counters.
	if met.FramesIn, err = m.Int64Counter("exobridge.ingest.frames_in",
		metric.WithDescription("Media frames accepted from the telephony provider."),
	); err != nil {
		return nil, err
	}
	if met.BytesIn, err = m.Int64Counter("exobridge.ingest.bytes_in",
		metric.WithDescription("Decoded PCM bytes accepted on ingest."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BufferDrops, err = m.Int64Counter("exobridge.ingest.buffer_drops",
		metric.WithDescription("Frames dropped from the publish-fallback buffer."),
	); err != nil {
		return nil, err
	}
	if met.PublishFailures, err = m.Int64Counter("exobridge.ingest.publish_failures",
		metric.WithDescription("Failed bus publishes on the ingest path."),
	); err != nil {
		return nil, err
	}
	if met.BufferDepth, err = m.Int64UpDownCounter("exobridge.ingest.buffer_depth",
		metric.WithDescription("Frames currently held in publish-fallback buffers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("exobridge.ingest.active_connections",
		metric.WithDescription("Open telephony WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("exobridge.ingest.protocol_errors",
		metric.WithDescription("Dropped malformed telephony frames by reason."),
	); err != nil {
		return nil, err
	}

	// ASR counters.
	if met.ConnectionsCreated, err = m.Int64Counter("exobridge.asr.connections_created",
		metric.WithDescription("STT streaming connections established."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionsReused, err = m.Int64Counter("exobridge.asr.connections_reused",
		metric.WithDescription("Frames served by an existing STT connection."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateConnectionAttempts, err = m.Int64Counter("exobridge.asr.duplicate_connection_attempts",
		metric.WithDescription("Concurrent creation attempts that awaited an in-flight creation."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("exobridge.asr.chunks_sent",
		metric.WithDescription("Audio chunks flushed to the STT provider."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsReceived, err = m.Int64Counter("exobridge.asr.transcripts_received",
		metric.WithDescription("Transcripts received from the STT provider by kind."),
	); err != nil {
		return nil, err
	}
	if met.SilenceSkipped, err = m.Int64Counter("exobridge.asr.silence_skipped",
		metric.WithDescription("Near-silence chunks skipped before send."),
	); err != nil {
		return nil, err
	}
	if met.EmptyTranscripts, err = m.Int64Counter("exobridge.asr.empty_transcripts",
		metric.WithDescription("Empty STT results dropped at the worker boundary."),
	); err != nil {
		return nil, err
	}
	if met.IdleCloses, err = m.Int64Counter("exobridge.asr.idle_closes",
		metric.WithDescription("Interactions torn down by the idle timeout."),
	); err != nil {
		return nil, err
	}
	if met.FirstPartialLatency, err = m.Float64Histogram("exobridge.asr.first_partial_latency",
		metric.WithDescription("Time from first audio frame to first published transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptLatency, err = m.Float64Histogram("exobridge.asr.transcript_latency",
		metric.WithDescription("Per-transcript STT turnaround."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Fan-out / consumer.
	if met.SSEClients, err = m.Int64UpDownCounter("exobridge.fanout.sse_clients",
		metric.WithDescription("Currently registered SSE clients."),
	); err != nil {
		return nil, err
	}
	if met.EventsBroadcast, err = m.Int64Counter("exobridge.fanout.events_broadcast",
		metric.WithDescription("SSE events broadcast by type."),
	); err != nil {
		return nil, err
	}
	if met.EnrichmentErrors, err = m.Int64Counter("exobridge.consumer.enrichment_errors",
		metric.WithDescription("Failed enrichment steps by stage."),
	); err != nil {
		return nil, err
	}
	if met.SummaryFallbacks, err = m.Int64Counter("exobridge.summary.fallbacks",
		metric.WithDescription("Summaries built from malformed LLM replies."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("exobridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProtocolError increments the ingest protocol error counter with the
// standard reason attribute.
func (m *Metrics) RecordProtocolError(ctx context.Context, reason string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscript increments the transcripts-received counter with its kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.TranscriptsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBroadcast increments the events-broadcast counter with the event type.
func (m *Metrics) RecordBroadcast(ctx context.Context, eventType string) {
	m.EventsBroadcast.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordEnrichmentError increments the enrichment error counter for a stage.
func (m *Metrics) RecordEnrichmentError(ctx context.Context, stage string) {
	m.EnrichmentErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
