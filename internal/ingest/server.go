// Package ingest terminates the telephony provider's WebSocket, decodes its
// framed JSON protocol, and publishes ordered audio frames to the bus.
//
// One goroutine serves each connection. Frames survive short bus outages in
// a bounded in-memory fallback buffer; a sustained outage closes the
// connection rather than letting the backlog grow without bound.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/exolabs/exobridge/internal/bus"
	"github.com/exolabs/exobridge/internal/config"
	"github.com/exolabs/exobridge/internal/observe"
	"github.com/exolabs/exobridge/internal/registry"
	"github.com/exolabs/exobridge/pkg/audio"
	"github.com/exolabs/exobridge/pkg/types"
)

const (
	// publishTimeout bounds one bus publish attempt.
	publishTimeout = 2 * time.Second

	// dropLimit closes the connection once this many frames have been
	// dropped: the bus is not coming back soon enough to matter.
	dropLimit = 250
)

// AuthFunc decides whether to accept an inbound connection. The policy
// itself (allow-list, JWT) lives outside ingest.
type AuthFunc func(r *http.Request) error

// Server is the telephony ingest endpoint.
type Server struct {
	bus         bus.Bus
	registry    registry.Registry
	log         *slog.Logger
	metrics     *observe.Metrics
	cfg         config.IngestConfig
	auth        AuthFunc
	sharedTopic bool
	now         func() time.Time
}

// ServerOption is a functional option for [NewServer].
type ServerOption func(*Server)

// WithAuth installs the connection acceptance policy.
func WithAuth(auth AuthFunc) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithSharedAudioTopic makes the server publish frames straight onto the
// shared audio stream instead of per-tenant topics. Used when the audio
// bridge is disabled.
func WithSharedAudioTopic(shared bool) ServerOption {
	return func(s *Server) { s.sharedTopic = shared }
}

// WithClock overrides the server's time source. Test use only.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer creates the ingest server.
func NewServer(b bus.Bus, reg registry.Registry, log *slog.Logger, metrics *observe.Metrics, cfg config.IngestConfig, opts ...ServerOption) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		bus:      b,
		registry: reg,
		log:      log.With("component", "ingest"),
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the WebSocket upgrade handler for the telephony stream
// endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil {
			if err := s.auth(r); err != nil {
				s.log.Warn("connection rejected", "remote", r.RemoteAddr, "err", err)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		ctx := r.Context()
		s.metrics.ActiveConnections.Add(ctx, 1)
		defer s.metrics.ActiveConnections.Add(ctx, -1)

		c := &conn{
			srv: s,
			ws:  ws,
			fb:  newFallbackBuffer(s.cfg.MaxBufferMS),
		}
		c.run(ctx)
	})
}

// conn is the per-connection state. The read loop is the only long-lived
// goroutine; the idle watchdog fires on a timer goroutine, so lifecycle
// state is mutex-guarded.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	fb  *fallbackBuffer

	mu            sync.Mutex
	started       bool
	stopped       bool
	interactionID string
	tenantID      string
	traceID       string
	sampleRate    int
	seq           int64
	watchdog      *time.Timer
}

func (c *conn) run(ctx context.Context) {
	defer c.finish(ctx)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.srv.metrics.RecordProtocolError(ctx, "binary_frame")
			continue
		}

		var msg eventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.srv.metrics.RecordProtocolError(ctx, "malformed_json")
			c.srv.log.Debug("drop malformed message", "err", err)
			continue
		}

		switch msg.Event {
		case eventConnected:
			// Handshake; acknowledge by doing nothing.
		case eventStart:
			if !c.handleStart(ctx, msg.Start) {
				return
			}
		case eventMedia:
			if !c.handleMedia(ctx, msg.Media) {
				return
			}
		case eventStop:
			reason := "stopped"
			if msg.Stop != nil && msg.Stop.Reason != "" {
				reason = msg.Stop.Reason
			}
			c.stop(ctx, reason)
			c.ws.Close(websocket.StatusNormalClosure, "stream stopped")
			return
		default:
			c.srv.metrics.RecordProtocolError(ctx, "unknown_event")
			c.srv.log.Debug("ignore unknown event", "event", msg.Event)
		}
	}
}

// handleStart opens the stream. Returns false when the connection must close.
func (c *conn) handleStart(ctx context.Context, start *startPayload) bool {
	if start == nil || start.CallSID == "" {
		c.srv.metrics.RecordProtocolError(ctx, "bad_start")
		c.ws.Close(websocket.StatusPolicyViolation, "start requires call_sid")
		return false
	}
	if start.MediaFormat.Encoding != types.EncodingPCM16 || !types.ValidSampleRate(start.MediaFormat.SampleRate) {
		c.srv.metrics.RecordProtocolError(ctx, "bad_media_format")
		c.ws.Close(websocket.StatusPolicyViolation, "unsupported media format")
		return false
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.srv.metrics.RecordProtocolError(ctx, "duplicate_start")
		return true
	}
	c.started = true
	c.interactionID = start.CallSID
	c.tenantID = start.AccountSID
	c.traceID = uuid.NewString()
	c.sampleRate = start.MediaFormat.SampleRate
	c.watchdog = time.AfterFunc(time.Duration(c.srv.cfg.IdleCloseS)*time.Second, c.idleExpire)
	c.mu.Unlock()

	now := c.srv.now()
	entry := types.CallRegistryEntry{
		InteractionID:  start.CallSID,
		TenantID:       start.AccountSID,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         types.CallActive,
		Metadata: map[string]string{
			"stream_sid": start.StreamSID,
			"from":       start.From,
			"to":         start.To,
		},
	}
	if err := c.srv.registry.Register(ctx, entry); err != nil {
		c.srv.log.Error("register call failed", "interaction_id", start.CallSID, "err", err)
	}

	c.srv.log.Info("stream started",
		"interaction_id", start.CallSID,
		"tenant_id", start.AccountSID,
		"sample_rate", c.sampleRate,
	)
	return true
}

// handleMedia decodes and publishes one frame. Returns false when the
// connection must close.
func (c *conn) handleMedia(ctx context.Context, media *mediaPayload) bool {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		c.srv.metrics.RecordProtocolError(ctx, "media_before_start")
		return true
	}
	c.watchdog.Reset(time.Duration(c.srv.cfg.IdleCloseS) * time.Second)
	interactionID, tenantID, traceID, sampleRate := c.interactionID, c.tenantID, c.traceID, c.sampleRate
	c.mu.Unlock()

	if media == nil {
		c.srv.metrics.RecordProtocolError(ctx, "bad_media")
		return true
	}

	pcm, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		c.srv.metrics.RecordProtocolError(ctx, "bad_base64")
		c.srv.log.Debug("drop undecodable frame", "interaction_id", interactionID, "err", err)
		return true
	}

	// A frame must hold ~20 ms of audio at the declared rate, ±10%.
	expected := float64(audio.BytesForMS(frameMS, sampleRate))
	if math.Abs(float64(len(pcm))-expected) > expected*0.10 {
		c.srv.metrics.RecordProtocolError(ctx, "bad_frame_length")
		c.srv.log.Debug("drop mis-sized frame",
			"interaction_id", interactionID, "bytes", len(pcm), "expected", int(expected))
		return true
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	frame := types.AudioFrame{
		TenantID:      tenantID,
		InteractionID: interactionID,
		Seq:           seq,
		TimestampMS:   media.Timestamp,
		SampleRate:    sampleRate,
		Encoding:      types.EncodingPCM16,
		Audio:         pcm,
		TraceID:       traceID,
	}

	c.srv.metrics.FramesIn.Add(ctx, 1)
	c.srv.metrics.BytesIn.Add(ctx, int64(len(pcm)))

	if c.srv.log.Enabled(ctx, slog.LevelDebug) {
		c.srv.log.Debug("media frame",
			"interaction_id", interactionID,
			"seq", seq,
			"rms", int(audio.RMS(pcm)),
			"peak", audio.Peak(pcm),
		)
	}

	if err := c.srv.registry.Touch(ctx, interactionID); err != nil {
		c.srv.log.Warn("registry touch failed", "interaction_id", interactionID, "err", err)
	}

	if !c.publishWithFallback(ctx, frame) {
		c.stop(ctx, stopReasonBufferFull)
		c.ws.Close(websocket.StatusTryAgainLater, "publish backlog")
		return false
	}
	return true
}

// publishWithFallback publishes frame, draining any backlog first to keep
// order. Returns false once drops pass dropLimit.
func (c *conn) publishWithFallback(ctx context.Context, frame types.AudioFrame) bool {
	now := c.srv.now()
	c.fb.expire(now)

	// Oldest-first drain so recovered frames keep their order.
	for c.fb.len() > 0 {
		if err := c.publish(ctx, c.fb.peek()); err != nil {
			break
		}
		c.fb.pop()
		c.srv.metrics.BufferDepth.Add(ctx, -1)
	}

	if c.fb.len() == 0 {
		if err := c.publish(ctx, frame); err == nil {
			return true
		}
		c.srv.metrics.PublishFailures.Add(ctx, 1)
	}

	before := c.fb.len()
	dropped := c.fb.enqueue(frame, now)
	c.srv.metrics.BufferDepth.Add(ctx, int64(c.fb.len()-before))
	if dropped > 0 {
		c.srv.metrics.BufferDrops.Add(ctx, int64(dropped))
		c.srv.log.Warn("buffer overflow",
			"interaction_id", frame.InteractionID,
			"dropped", dropped,
			"total_drops", c.fb.totalDrops(),
		)
	}
	return c.fb.totalDrops() < dropLimit
}

func (c *conn) publish(ctx context.Context, frame types.AudioFrame) error {
	env, err := bus.Marshal(frame.TraceID, frame.InteractionID, frame.TenantID, frame.TimestampMS, frame)
	if err != nil {
		return err
	}

	topic := bus.TopicAudio(frame.TenantID)
	if c.srv.sharedTopic {
		topic = bus.TopicAudioShared
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = c.srv.bus.Publish(pubCtx, topic, env)
	return err
}

// stop performs teardown exactly once: mark the registry entry ended and
// publish the call_end event.
func (c *conn) stop(ctx context.Context, reason string) {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	interactionID, tenantID, traceID, frames := c.interactionID, c.tenantID, c.traceID, c.seq
	c.mu.Unlock()

	if err := c.srv.registry.MarkEnded(ctx, interactionID); err != nil {
		c.srv.log.Error("mark ended failed", "interaction_id", interactionID, "err", err)
	}

	end := types.CallEnd{InteractionID: interactionID, TenantID: tenantID, Reason: reason}
	env, err := bus.Marshal(traceID, interactionID, tenantID, c.srv.now().UnixMilli(), end)
	if err == nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		_, err = c.srv.bus.Publish(pubCtx, bus.TopicCallEnd, env)
	}
	if err != nil {
		c.srv.log.Error("publish call_end failed", "interaction_id", interactionID, "err", err)
	}

	c.srv.log.Info("stream stopped", "interaction_id", interactionID, "reason", reason, "frames", frames)
}

// idleExpire fires when no media frame arrived for the idle window: close
// the socket and synthesise a stop.
func (c *conn) idleExpire() {
	ctx := context.Background()
	c.stop(ctx, stopReasonIdle)
	c.ws.Close(websocket.StatusNormalClosure, "idle timeout")
}

// finish handles transport-level disconnects that never sent a stop event.
func (c *conn) finish(ctx context.Context) {
	c.stop(context.WithoutCancel(ctx), stopReasonDisconnected)
}
