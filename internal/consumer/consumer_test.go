package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/exolabs/exobridge/internal/bus"
	"github.com/exolabs/exobridge/internal/config"
	"github.com/exolabs/exobridge/internal/fanout"
	"github.com/exolabs/exobridge/internal/intent"
	"github.com/exolabs/exobridge/internal/registry"
	"github.com/exolabs/exobridge/internal/store"
	"github.com/exolabs/exobridge/internal/summary"
	llmmock "github.com/exolabs/exobridge/pkg/provider/llm/mock"
	"github.com/exolabs/exobridge/pkg/types"
)

type fixture struct {
	consumer *Consumer
	bus      *bus.Memory
	registry *registry.Memory
	store    *store.Memory
	hub      *fanout.Hub
	clsLLM   *llmmock.Provider
	sumLLM   *llmmock.Provider
	tenants  *config.MemoryTenantSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		bus:      bus.NewMemory(),
		registry: registry.NewMemory(),
		store:    store.NewMemory(),
		hub:      fanout.NewHub(log, nil),
		clsLLM:   &llmmock.Provider{},
		sumLLM:   &llmmock.Provider{},
		tenants:  config.NewMemoryTenantSource(),
	}
	f.consumer = New(Deps{
		Bus:        f.bus,
		Registry:   f.registry,
		Store:      f.store,
		Hub:        f.hub,
		Classifier: intent.NewClassifier(f.clsLLM, "test-model"),
		Resolver:   config.NewResolver(f.tenants),
		Summarizer: summary.NewGenerator(f.sumLLM, f.store),
		Log:        log,
	})
	t.Cleanup(f.hub.CloseAll)
	return f
}

// sseEvent is one received event with its decoded data line.
type sseEvent struct {
	name string
	data string
}

type sseStream struct {
	cancel context.CancelFunc
	events chan sseEvent
}

func dialSSE(t *testing.T, url string) *sseStream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("Do: %v", err)
	}

	s := &sseStream{cancel: cancel, events: make(chan sseEvent, 32)}
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				cur.name = name
			} else if data, ok := strings.CutPrefix(line, "data: "); ok {
				cur.data = data
			} else if line == "" && cur.name != "" {
				s.events <- cur
				cur = sseEvent{}
			}
		}
		close(s.events)
	}()
	t.Cleanup(cancel)
	return s
}

func (s *sseStream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

// watch attaches an SSE client for one call and swallows the opening
// connection event.
func watch(t *testing.T, f *fixture, callID string) *sseStream {
	t.Helper()
	srv := httptest.NewServer(f.hub.Handler())
	t.Cleanup(srv.Close)

	s := dialSSE(t, srv.URL+"?callId="+callID)
	if ev := s.next(t); ev.name != fanout.EventConnection {
		t.Fatalf("first event = %q, want connection", ev.name)
	}
	return s
}

func line(id string, seq int64, text string) types.Transcript {
	return types.Transcript{
		InteractionID: id,
		Seq:           seq,
		TS:            seq * 100,
		Text:          text,
		Kind:          types.TranscriptFinal,
		Speaker:       types.SpeakerCustomer,
	}
}

func TestPipelineBroadcastsAndEnriches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.clsLLM.Replies = []string{`{"intent": "cancel subscription", "confidence": 0.92}`}
	s := watch(t, f, "CA1")

	if err := f.consumer.Submit(context.Background(), "AC1", line("CA1", 1, "I want to cancel my subscription")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := s.next(t)
	if ev.name != fanout.EventTranscriptLine {
		t.Fatalf("event = %q, want transcript_line", ev.name)
	}
	var got types.Transcript
	if err := json.Unmarshal([]byte(ev.data), &got); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if got.Text != "I want to cancel my subscription" || got.Seq != 1 {
		t.Fatalf("transcript = %+v", got)
	}

	ev = s.next(t)
	if ev.name != fanout.EventIntentUpdate {
		t.Fatalf("event = %q, want intent_update", ev.name)
	}
	var update IntentUpdate
	if err := json.Unmarshal([]byte(ev.data), &update); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if update.Intent != "cancel_subscription" || update.Confidence != 0.92 {
		t.Fatalf("intent = %+v", update)
	}

	// Write-through landed in the store and the cache.
	stored, err := f.store.ListTranscripts(context.Background(), "CA1")
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored = %v lines, err %v", len(stored), err)
	}
	if verdicts := f.store.Intents("CA1"); len(verdicts) != 1 || verdicts[0].Intent != "cancel_subscription" {
		t.Fatalf("stored intents = %+v", verdicts)
	}
	if cached, ok := f.consumer.cache.Read("CA1"); !ok || len(cached) != 1 {
		t.Fatalf("cache: ok=%v lines=%d", ok, len(cached))
	}
}

func TestLLMFailureStillBroadcastsTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.clsLLM.Err = errors.New("llm unavailable")
	s := watch(t, f, "CA2")

	if err := f.consumer.Submit(context.Background(), "AC1", line("CA2", 1, "my router keeps rebooting constantly")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if ev := s.next(t); ev.name != fanout.EventTranscriptLine {
		t.Fatalf("event = %q, want transcript_line", ev.name)
	}

	ev := s.next(t)
	if ev.name != fanout.EventIntentUpdate {
		t.Fatalf("event = %q, want intent_update", ev.name)
	}
	var update IntentUpdate
	if err := json.Unmarshal([]byte(ev.data), &update); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if update.Intent != types.IntentUnknown || update.Confidence != 0 {
		t.Fatalf("degraded verdict = %+v", update)
	}
	if len(update.Articles) != 0 {
		t.Fatalf("unknown intent must not trigger KB lookup, got %d articles", len(update.Articles))
	}
}

func TestEmptyLinesNeverPropagate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := watch(t, f, "CA3")

	if err := f.consumer.Submit(context.Background(), "AC1", line("CA3", 1, "   ")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.consumer.Submit(context.Background(), "AC1", line("CA3", 2, "a real spoken sentence here")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := s.next(t)
	if ev.name != fanout.EventTranscriptLine {
		t.Fatalf("event = %q", ev.name)
	}
	var got types.Transcript
	if err := json.Unmarshal([]byte(ev.data), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != 2 {
		t.Fatalf("first broadcast seq = %d, want 2 (empty line filtered)", got.Seq)
	}

	stored, err := f.store.ListTranscripts(context.Background(), "CA3")
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(stored) != 1 || stored[0].Seq != 2 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestShortLinesSkipClassification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := watch(t, f, "CA4")

	if err := f.consumer.Submit(context.Background(), "AC1", line("CA4", 1, "ok thanks")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if ev := s.next(t); ev.name != fanout.EventTranscriptLine {
		t.Fatalf("event = %q", ev.name)
	}
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected follow-up event %q", ev.name)
	case <-time.After(100 * time.Millisecond):
	}
	if calls := f.clsLLM.Calls(); len(calls) != 0 {
		t.Fatalf("classifier called %d times for a short line", len(calls))
	}
}

func TestKBArticlesAttachedToIntentUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	kbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "billing dispute" {
			t.Errorf("kb query = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"articles": []types.KBArticle{
				{ID: "kb-1", Title: "Handling billing disputes", Snippet: "..."},
			},
		})
	}))
	t.Cleanup(kbSrv.Close)

	f.tenants.Set("tenant", "AC1", map[string]any{
		"kb_provider": "remote",
		"kb_base_url": kbSrv.URL,
	})
	f.clsLLM.Replies = []string{`{"intent": "billing dispute", "confidence": 0.8}`}

	s := watch(t, f, "CA5")
	if err := f.consumer.Submit(context.Background(), "AC1", line("CA5", 1, "I was charged twice this month")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s.next(t) // transcript_line
	ev := s.next(t)
	var update IntentUpdate
	if err := json.Unmarshal([]byte(ev.data), &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(update.Articles) != 1 || update.Articles[0].ID != "kb-1" {
		t.Fatalf("articles = %+v", update.Articles)
	}
}

func TestPerCallOrderingPreserved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := watch(t, f, "CA6")

	for seq := int64(1); seq <= 5; seq++ {
		if err := f.consumer.Submit(context.Background(), "AC1", line("CA6", seq, "short")); err != nil {
			t.Fatalf("Submit %d: %v", seq, err)
		}
	}

	for want := int64(1); want <= 5; want++ {
		ev := s.next(t)
		if ev.name != fanout.EventTranscriptLine {
			t.Fatalf("event = %q", ev.name)
		}
		var got types.Transcript
		if err := json.Unmarshal([]byte(ev.data), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Seq != want {
			t.Fatalf("broadcast order broken: got seq %d, want %d", got.Seq, want)
		}
	}
}

func TestCallEndBroadcastsAndCachesSummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sumLLM.Replies = []string{`{"issue": "double charge", "resolution": "refunded", "next_steps": "none", "confidence": 0.9, "dispositions": []}`}

	seed := []types.Transcript{
		line("CA7", 1, "I was charged twice"),
		line("CA7", 2, "refund issued"),
	}
	if err := f.store.SaveTranscripts(context.Background(), "AC1", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := watch(t, f, "CA7")

	env, err := bus.Marshal("", "CA7", "AC1", 0, types.CallEnd{InteractionID: "CA7", TenantID: "AC1", Reason: "callended"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.consumer.handleCallEnd(context.Background(), bus.Message{ID: "m", Envelope: env}); err != nil {
		t.Fatalf("handleCallEnd: %v", err)
	}

	ev := s.next(t)
	if ev.name != fanout.EventCallEnd {
		t.Fatalf("event = %q, want call_end", ev.name)
	}

	// Wait for the background pre-generation so both reads below hit the
	// cache deterministically.
	deadline := time.Now().Add(5 * time.Second)
	for {
		f.consumer.mu.Lock()
		_, cached := f.consumer.summaries["CA7"]
		f.consumer.mu.Unlock()
		if cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("summary never pre-generated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := f.consumer.Summary(context.Background(), "AC1", "CA7")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.Issue != "double charge" || got.UsedFallback {
		t.Fatalf("summary = %+v", got)
	}

	// Second read serves the cached summary.
	again, err := f.consumer.Summary(context.Background(), "AC1", "CA7")
	if err != nil {
		t.Fatalf("Summary again: %v", err)
	}
	if again != got {
		t.Fatal("summary regenerated instead of served from cache")
	}
}

func TestTranscriptFallsBackToStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seed := []types.Transcript{line("CA8", 1, "hello"), line("CA8", 2, "world")}
	if err := f.store.SaveTranscripts(context.Background(), "AC1", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lines, err := f.consumer.Transcript(context.Background(), "CA8")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(lines) != 2 || lines[0].Seq != 1 {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestLinesBeforeDiscoveryAreNotLost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first post-warm-up line often lands before the discovery poll
	// notices the call; the bus backlog must carry it to the subscription.
	env, err := bus.Marshal("", "CA10", "AC1", 0, line("CA10", 1, "published before anyone followed"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := f.bus.Publish(context.Background(), bus.TopicTranscript("CA10"), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	now := time.Now()
	err = f.registry.Register(context.Background(), types.CallRegistryEntry{
		InteractionID:  "CA10",
		TenantID:       "AC1",
		StartedAt:      now,
		LastActivityAt: now,
		Status:         types.CallActive,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.consumer.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		lines, err := f.consumer.Transcript(context.Background(), "CA10")
		if err != nil {
			t.Fatalf("Transcript: %v", err)
		}
		if len(lines) == 1 {
			if lines[0].Text != "published before anyone followed" {
				t.Fatalf("line = %+v", lines[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pre-discovery line never reached the pipeline")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestDiscoveryFollowsActiveCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.consumer.Run(ctx)
	}()

	now := time.Now()
	err := f.registry.Register(context.Background(), types.CallRegistryEntry{
		InteractionID:  "CA9",
		TenantID:       "AC1",
		StartedAt:      now,
		LastActivityAt: now,
		Status:         types.CallActive,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	s := watch(t, f, "CA9")

	// The discovery poll runs on a one-second tick; retry publishing until
	// the subscription is live. Store idempotence absorbs the duplicates.
	env, err := bus.Marshal("", "CA9", "AC1", 0, line("CA9", 1, "discovered call line"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := f.bus.Publish(context.Background(), bus.TopicTranscript("CA9"), env); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case ev := <-s.events:
			if ev.name != fanout.EventTranscriptLine {
				t.Fatalf("event = %q", ev.name)
			}
			cancel()
			<-done
			return
		case <-time.After(200 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("consumer never followed the active call")
			}
		}
	}
}
