// Package asr turns the shared audio stream into per-interaction transcript
// streams via an external streaming STT provider.
//
// The worker owns one state machine per interaction: audio accumulates in a
// per-interaction buffer, flushes to the provider on time/size triggers, and
// transcript results flow back out onto per-interaction topics with a
// monotonic sequence. At most one STT connection exists per interaction at
// any time, enforced by a creation-promise map rather than check-then-create.
package asr

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/exolabs/exobridge/internal/bus"
	"github.com/exolabs/exobridge/internal/config"
	"github.com/exolabs/exobridge/internal/observe"
	"github.com/exolabs/exobridge/pkg/audio"
	"github.com/exolabs/exobridge/pkg/provider/stt"
	"github.com/exolabs/exobridge/pkg/types"
)

const (
	// warmupMS is the audio accumulated before the first send. Amortises
	// session setup and satisfies provider minimum-chunk rules.
	warmupMS = 500

	// accumTriggerMS flushes once this much audio has piled up, regardless
	// of timing. Without it a quiet period after a send leaves frames
	// accumulating with no trigger firing.
	accumTriggerMS = 200

	// gapTrigger flushes on an inter-frame gap (end of utterance) or when
	// this long has passed since the previous send.
	gapTrigger = 500 * time.Millisecond

	// earlyAudioWindow bounds the start-of-call filler suppression.
	earlyAudioWindow = 2 * time.Second

	// openCooldown delays the next STT open attempt after a failure.
	openCooldown = time.Second

	// sttOpenTimeout bounds one StartStream call.
	sttOpenTimeout = 10 * time.Second

	// transcriptPublishRetries bounds the bus publish retry loop. After
	// that the transcript is dropped; audio keeps streaming.
	transcriptPublishRetries = 3

	transcriptPublishBackoff = 100 * time.Millisecond

	transcriptPublishTimeout = 2 * time.Second

	// defaultSilenceRMS is the energy floor below which a chunk is treated
	// as silence and skipped, on the int16 sample scale.
	defaultSilenceRMS = 120
)

var fillerRe = regexp.MustCompile(`^[\s\p{P}]*$`)

var fillerWords = map[string]struct{}{
	"um": {},
	"uh": {},
}

// isFiller reports whether text carries no real speech: a lone hesitation
// token or punctuation-only noise.
func isFiller(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if _, ok := fillerWords[t]; ok {
		return true
	}
	return fillerRe.MatchString(t)
}

// Worker consumes the shared audio stream and produces transcripts.
type Worker struct {
	bus      bus.Bus
	provider stt.Provider
	log      *slog.Logger
	metrics  *observe.Metrics
	cfg      config.ASRConfig

	group      string
	idleClose  time.Duration
	silenceRMS float64
	now        func() time.Time

	conns *connMap

	mu     sync.Mutex
	states map[string]*interactionState
}

// WorkerOption is a functional option for [NewWorker].
type WorkerOption func(*Worker)

// WithGroup sets the consumer group name. Default "asr".
func WithGroup(group string) WorkerOption {
	return func(w *Worker) { w.group = group }
}

// WithIdleClose overrides how long an interaction may go without audio
// before its session drains. Default 10s.
func WithIdleClose(d time.Duration) WorkerOption {
	return func(w *Worker) { w.idleClose = d }
}

// WithSilenceThreshold overrides the RMS floor for the silence skip.
// Zero disables skipping.
func WithSilenceThreshold(rms float64) WorkerOption {
	return func(w *Worker) { w.silenceRMS = rms }
}

// WithWorkerClock overrides the worker's time source. Test use only.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates the ASR worker. idleCloseS comes from the ingest config
// so both ends of the pipeline share one idle contract.
func NewWorker(b bus.Bus, provider stt.Provider, log *slog.Logger, metrics *observe.Metrics, cfg config.ASRConfig, idleCloseS int, opts ...WorkerOption) *Worker {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	w := &Worker{
		bus:        b,
		provider:   provider,
		log:        log.With("component", "asr"),
		metrics:    metrics,
		cfg:        cfg,
		group:      "asr",
		idleClose:  time.Duration(idleCloseS) * time.Second,
		silenceRMS: defaultSilenceRMS,
		now:        time.Now,
		conns:      newConnMap(),
		states:     make(map[string]*interactionState),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run subscribes to the shared audio stream and the call_end topic and
// blocks until ctx is cancelled, then drains every open session.
func (w *Worker) Run(ctx context.Context) error {
	subAudio, err := w.bus.Subscribe(ctx, bus.TopicAudioShared, w.group, w.HandleAudio)
	if err != nil {
		return err
	}
	subEnd, err := w.bus.Subscribe(ctx, bus.TopicCallEnd, w.group, w.HandleCallEnd)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		subAudio.Close(closeCtx)
		return err
	}

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	subAudio.Close(closeCtx)
	subEnd.Close(closeCtx)
	w.closeAll()
	return nil
}

// closeAll drains every open interaction. Shutdown path.
func (w *Worker) closeAll() {
	w.mu.Lock()
	states := make([]*interactionState, 0, len(w.states))
	for _, st := range w.states {
		states = append(states, st)
	}
	w.states = make(map[string]*interactionState)
	w.mu.Unlock()

	for _, st := range states {
		w.closeState(st, phaseClosed)
	}
}

// state returns the live state for the frame's interaction, creating one on
// first sight.
func (w *Worker) state(frame types.AudioFrame) *interactionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.states[frame.InteractionID]; ok {
		return st
	}
	st := &interactionState{
		id:           frame.InteractionID,
		tenantID:     frame.TenantID,
		traceID:      frame.TraceID,
		firstFrameAt: w.now(),
	}
	st.idle = time.AfterFunc(w.idleClose, func() { w.idleExpire(st) })
	w.states[frame.InteractionID] = st
	return st
}

// HandleAudio is the bus handler for the shared audio stream. It always
// acknowledges: redelivering stale audio after a drop only adds latency.
func (w *Worker) HandleAudio(ctx context.Context, msg bus.Message) error {
	var frame types.AudioFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		w.log.Warn("drop undecodable audio frame", "err", err)
		return nil
	}
	if frame.InteractionID == "" || len(frame.Audio) == 0 {
		return nil
	}

	st := w.state(frame)
	now := w.now()

	st.mu.Lock()
	switch st.phase {
	case phaseDraining, phaseClosed:
		st.mu.Unlock()
		return nil
	case phaseError:
		if now.Before(st.retryAt) {
			st.mu.Unlock()
			return nil
		}
		st.phase = phaseInit
	}

	if st.sampleRate == 0 {
		st.sampleRate = frame.SampleRate
	} else if st.sampleRate != frame.SampleRate {
		st.mu.Unlock()
		w.log.Error("sample rate changed mid-stream",
			"interaction_id", st.id, "was", st.sampleRate, "now", frame.SampleRate)
		w.removeState(st)
		w.closeState(st, phaseClosed)
		return nil
	}

	var gap time.Duration
	if !st.lastFrameAt.IsZero() {
		gap = now.Sub(st.lastFrameAt)
	}
	st.lastFrameAt = now
	st.buf = append(st.buf, frame.Audio...)
	st.bufMS += frame.DurationMS()
	st.idle.Reset(w.idleClose)

	// All three triggers are evaluated on every frame. last_send_time
	// resets after each send, so on its own it leaves a window where
	// frames pile up with nothing firing; the accumulation trigger covers
	// that window.
	var flush bool
	if !st.firstSent {
		flush = st.bufMS >= warmupMS
	} else {
		flush = gap >= gapTrigger ||
			st.bufMS >= accumTriggerMS ||
			now.Sub(st.lastSendAt) >= gapTrigger
	}
	if !flush {
		st.mu.Unlock()
		return nil
	}

	chunk := st.buf
	st.buf = nil
	st.bufMS = 0
	st.lastSendAt = now
	st.mu.Unlock()

	w.flush(ctx, st, chunk)
	return nil
}

// flush sends one accumulated chunk to the interaction's STT session,
// establishing the session first when needed.
func (w *Worker) flush(ctx context.Context, st *interactionState, chunk []byte) {
	rms := audio.RMS(chunk)
	if w.log.Enabled(ctx, slog.LevelDebug) {
		w.log.Debug("chunk",
			"interaction_id", st.id,
			"bytes", len(chunk),
			"rms", int(rms),
			"peak", audio.Peak(chunk),
		)
	}
	if w.silenceRMS > 0 && rms < w.silenceRMS {
		w.metrics.SilenceSkipped.Add(ctx, 1)
		return
	}

	handle, err := w.session(ctx, st)
	if err != nil {
		w.openFailed(st, err)
		return
	}

	st.sendMu.Lock()
	err = handle.SendAudio(chunk)
	st.sendMu.Unlock()
	if err != nil {
		w.log.Warn("stt send failed", "interaction_id", st.id, "err", err)
		w.sessionBroken(st, handle)
		return
	}

	w.metrics.ChunksSent.Add(ctx, 1)
	st.mu.Lock()
	st.firstSent = true
	st.phase = phaseStreaming
	st.mu.Unlock()
}

// session returns the interaction's STT session, creating it through the
// promise map so concurrent flushes share one creation.
func (w *Worker) session(ctx context.Context, st *interactionState) (stt.SessionHandle, error) {
	handle, status, err := w.conns.get(ctx, st.id, func(ctx context.Context) (stt.SessionHandle, error) {
		openCtx, cancel := context.WithTimeout(ctx, sttOpenTimeout)
		defer cancel()
		h, err := w.provider.StartStream(openCtx, stt.StreamConfig{
			SampleRate:    st.sampleRate,
			Language:      w.cfg.Language,
			InteractionID: st.id,
		})
		if err != nil {
			return nil, err
		}
		go w.pump(st, h)
		return h, nil
	})

	switch status {
	case connCreated:
		if err == nil {
			w.metrics.ConnectionsCreated.Add(ctx, 1)
		}
	case connReused:
		w.metrics.ConnectionsReused.Add(ctx, 1)
	case connAwaited:
		w.metrics.DuplicateConnectionAttempts.Add(ctx, 1)
	}
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.handle = handle
	st.mu.Unlock()
	return handle, nil
}

// openFailed moves the interaction into its cool-down. The chunk that
// triggered the open is dropped; the next frame after the cool-down retries.
func (w *Worker) openFailed(st *interactionState, err error) {
	w.log.Warn("stt open failed", "interaction_id", st.id, "err", err)
	st.mu.Lock()
	st.phase = phaseError
	st.retryAt = w.now().Add(openCooldown)
	st.handle = nil
	st.mu.Unlock()
}

// sessionBroken tears down a session after a mid-stream error. The next
// frame re-enters creation.
func (w *Worker) sessionBroken(st *interactionState, handle stt.SessionHandle) {
	w.conns.remove(st.id)
	handle.Close()
	st.mu.Lock()
	st.phase = phaseError
	st.retryAt = w.now().Add(openCooldown)
	st.firstSent = false
	st.handle = nil
	st.mu.Unlock()
}

// pump reads results from one session until its channel closes.
func (w *Worker) pump(st *interactionState, handle stt.SessionHandle) {
	for r := range handle.Results() {
		w.handleResult(st, r)
	}
	st.mu.Lock()
	if st.phase == phaseDraining {
		st.phase = phaseClosed
	}
	st.mu.Unlock()
}

// handleResult filters, sequences and publishes one STT result.
func (w *Worker) handleResult(st *interactionState, r stt.Result) {
	ctx := context.Background()

	text := strings.TrimSpace(r.Text)
	if text == "" {
		w.metrics.EmptyTranscripts.Add(ctx, 1)
		return
	}
	w.metrics.RecordTranscript(ctx, string(r.Kind))

	now := w.now()

	st.mu.Lock()
	if w.cfg.EarlyAudioFilter && !st.speechDetected {
		if now.Sub(st.firstFrameAt) < earlyAudioWindow && isFiller(text) {
			st.mu.Unlock()
			w.log.Debug("suppress early filler", "interaction_id", st.id, "text", text)
			return
		}
		// Either real speech arrived or the window elapsed; the filter
		// disengages for the rest of the interaction.
		st.speechDetected = true
	}
	st.seq++
	seq := st.seq
	first := !st.firstPublished
	st.firstPublished = true
	firstFrameAt := st.firstFrameAt
	st.mu.Unlock()

	if first {
		w.metrics.FirstPartialLatency.Record(ctx, now.Sub(firstFrameAt).Seconds())
	}

	speaker := r.Speaker
	if speaker == "" {
		speaker = types.SpeakerUnknown
	}
	line := types.Transcript{
		InteractionID: st.id,
		Seq:           seq,
		TS:            now.UnixMilli(),
		Text:          text,
		Kind:          r.Kind,
		Speaker:       speaker,
		Confidence:    r.Confidence,
	}
	w.publishTranscript(ctx, st, line)
}

// publishTranscript publishes one line with bounded retry. On exhaustion the
// line is dropped; transcripts are best-effort while audio keeps streaming.
func (w *Worker) publishTranscript(ctx context.Context, st *interactionState, line types.Transcript) {
	env, err := bus.Marshal(st.traceID, st.id, st.tenantID, line.TS, line)
	if err != nil {
		w.log.Error("marshal transcript", "interaction_id", st.id, "err", err)
		return
	}

	topic := bus.TopicTranscript(st.id)
	for attempt := 1; attempt <= transcriptPublishRetries; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, transcriptPublishTimeout)
		_, err = w.bus.Publish(pubCtx, topic, env)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(transcriptPublishBackoff * time.Duration(attempt))
	}
	w.log.Error("drop transcript after publish retries",
		"interaction_id", st.id, "seq", line.Seq, "err", err)
}

// idleExpire drains an interaction that went quiet.
func (w *Worker) idleExpire(st *interactionState) {
	st.mu.Lock()
	if st.phase == phaseDraining || st.phase == phaseClosed {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	w.metrics.IdleCloses.Add(context.Background(), 1)
	w.log.Info("idle close", "interaction_id", st.id)
	w.removeState(st)
	w.closeState(st, phaseDraining)
}

// HandleCallEnd is the bus handler for call_end: tear down the interaction's
// session immediately instead of waiting for the idle timer.
func (w *Worker) HandleCallEnd(ctx context.Context, msg bus.Message) error {
	var end types.CallEnd
	if err := json.Unmarshal(msg.Payload, &end); err != nil {
		w.log.Warn("drop undecodable call_end", "err", err)
		return nil
	}

	w.mu.Lock()
	st, ok := w.states[end.InteractionID]
	if ok {
		delete(w.states, end.InteractionID)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}

	w.log.Info("call ended", "interaction_id", end.InteractionID, "reason", end.Reason)
	w.closeState(st, phaseDraining)
	return nil
}

// removeState unlinks st from the worker map so a later frame starts fresh.
func (w *Worker) removeState(st *interactionState) {
	w.mu.Lock()
	if cur, ok := w.states[st.id]; ok && cur == st {
		delete(w.states, st.id)
	}
	w.mu.Unlock()
}

// closeState stops the idle timer and closes the session, if any. The pump
// goroutine exits when the provider closes the results channel.
func (w *Worker) closeState(st *interactionState, next phase) {
	st.mu.Lock()
	st.idle.Stop()
	st.phase = next
	handle := st.handle
	st.handle = nil
	st.mu.Unlock()

	w.conns.remove(st.id)
	if handle != nil {
		handle.Close()
	}
}
