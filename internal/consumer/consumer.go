// Package consumer bridges the internal pub/sub world to the dashboard
// world. It follows transcript topics for every active call, caches and
// persists lines, enriches them with intent and KB articles, and broadcasts
// the results over the SSE hub.
//
// Enrichment steps are independently fallible: a failed LLM or KB call never
// blocks the transcript_line broadcast, and a failed store write never
// blocks enrichment. Per-call ordering is preserved by running each call's
// lines through its own ordered queue.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exolabs/exobridge/internal/bus"
	"github.com/exolabs/exobridge/internal/config"
	"github.com/exolabs/exobridge/internal/fanout"
	"github.com/exolabs/exobridge/internal/intent"
	"github.com/exolabs/exobridge/internal/kb"
	"github.com/exolabs/exobridge/internal/observe"
	"github.com/exolabs/exobridge/internal/registry"
	"github.com/exolabs/exobridge/internal/store"
	"github.com/exolabs/exobridge/internal/summary"
	"github.com/exolabs/exobridge/pkg/types"
)

const (
	// discoverEvery is the registry poll interval for finding calls whose
	// transcript topics need a subscription.
	discoverEvery = time.Second

	// queueDepth bounds one call's pending lines. A full queue pushes back
	// on the bus handler, which leaves the message unacknowledged.
	queueDepth = 128

	// unsubscribeGrace keeps a call's transcript subscription and queue
	// alive after call_end, since cross-topic ordering is not guaranteed
	// and a few lines may trail the end event.
	unsubscribeGrace = 5 * time.Second

	group = "consumer"
)

// ErrSummaryUnavailable is returned by [Consumer.Summary] when no summary
// generator is wired, which happens when the deployment has no LLM provider.
var ErrSummaryUnavailable = errors.New("consumer: summary generation is not configured")

// IntentUpdate is the payload of an intent_update SSE event.
type IntentUpdate struct {
	InteractionID string            `json:"interaction_id"`
	Seq           int64             `json:"seq"`
	Intent        string            `json:"intent"`
	Confidence    float64           `json:"confidence"`
	Articles      []types.KBArticle `json:"articles"`
}

// Deps are the collaborators a Consumer is wired with. KBPool may be nil
// when no tenant uses the direct KB adapter.
type Deps struct {
	Bus        bus.Bus
	Registry   registry.Registry
	Store      store.Store
	Hub        *fanout.Hub
	Classifier *intent.Classifier
	Resolver   *config.Resolver
	KBPool     *pgxpool.Pool
	Summarizer *summary.Generator
	Log        *slog.Logger
	Metrics    *observe.Metrics
}

// Consumer processes transcript and call_end messages for all live calls.
type Consumer struct {
	deps  Deps
	log   *slog.Logger
	cache *Cache

	runCtx context.Context

	mu        sync.Mutex
	queues    map[string]*callQueue
	subs      map[string]bus.Subscription
	summaries map[string]*types.CallSummary
}

type callQueue struct {
	ch   chan job
	quit chan struct{}
}

type job struct {
	tenantID string
	line     types.Transcript
}

// Option is a functional option for [New].
type Option func(*Consumer)

// WithTranscriptCache replaces the default one-hour cache.
func WithTranscriptCache(cache *Cache) Option {
	return func(c *Consumer) { c.cache = cache }
}

// New creates a consumer.
func New(deps Deps, opts ...Option) *Consumer {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	c := &Consumer{
		deps:      deps,
		log:       deps.Log.With("component", "consumer"),
		cache:     NewCache(),
		queues:    make(map[string]*callQueue),
		subs:      make(map[string]bus.Subscription),
		summaries: make(map[string]*types.CallSummary),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run subscribes to call_end, polls the registry for calls to follow, and
// blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.runCtx = ctx

	subEnd, err := c.deps.Bus.Subscribe(ctx, bus.TopicCallEnd, group, c.handleCallEnd)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(discoverEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.discover(ctx)
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			subEnd.Close(closeCtx)
			c.closeAll(closeCtx)
			return nil
		}
	}
}

// discover subscribes to the transcript topic of every active call the
// registry knows about and we do not follow yet.
func (c *Consumer) discover(ctx context.Context) {
	entries, err := c.deps.Registry.ListActive(ctx, 0)
	if err != nil {
		c.log.Warn("registry poll failed", "err", err)
		return
	}
	for _, entry := range entries {
		c.follow(ctx, entry.InteractionID)
	}
}

// follow subscribes to one call's transcript topic, once.
func (c *Consumer) follow(ctx context.Context, interactionID string) {
	c.mu.Lock()
	if _, ok := c.subs[interactionID]; ok {
		c.mu.Unlock()
		return
	}
	// Reserve the slot before subscribing so a concurrent discover pass
	// does not double-subscribe.
	c.subs[interactionID] = nil
	c.mu.Unlock()

	sub, err := c.deps.Bus.Subscribe(ctx, bus.TopicTranscript(interactionID), group, c.handleTranscript)
	if err != nil {
		c.log.Error("transcript subscribe failed", "interaction_id", interactionID, "err", err)
		c.mu.Lock()
		delete(c.subs, interactionID)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.subs[interactionID] = sub
	c.mu.Unlock()
	c.log.Info("following call", "interaction_id", interactionID)
}

// handleTranscript is the bus handler for transcript topics. It enqueues the
// line on the call's ordered queue; a full queue blocks, leaving the message
// unacknowledged for redelivery.
func (c *Consumer) handleTranscript(ctx context.Context, msg bus.Message) error {
	var line types.Transcript
	if err := json.Unmarshal(msg.Payload, &line); err != nil {
		c.log.Warn("drop undecodable transcript", "err", err)
		return nil
	}
	return c.Submit(ctx, msg.TenantID, line)
}

// Submit feeds one transcript line into the pipeline. Exposed for the HTTP
// ingest-transcript endpoint, which bypasses the bus. Empty lines are
// filtered here and never reach the cache, store or broadcast.
func (c *Consumer) Submit(ctx context.Context, tenantID string, line types.Transcript) error {
	if strings.TrimSpace(line.Text) == "" || line.InteractionID == "" {
		return nil
	}

	q := c.queue(line.InteractionID)
	select {
	case q.ch <- job{tenantID: tenantID, line: line}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queue returns the call's ordered queue, starting its worker on first use.
func (c *Consumer) queue(interactionID string) *callQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[interactionID]; ok {
		return q
	}
	q := &callQueue{
		ch:   make(chan job, queueDepth),
		quit: make(chan struct{}),
	}
	c.queues[interactionID] = q

	runCtx := c.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	go c.drain(runCtx, q)
	return q
}

// drain processes one call's lines in order until the queue quits.
func (c *Consumer) drain(ctx context.Context, q *callQueue) {
	for {
		select {
		case j := <-q.ch:
			c.process(ctx, j)
		case <-q.quit:
			for {
				select {
				case j := <-q.ch:
					c.process(ctx, j)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// process runs the full per-line pipeline: cache, store, broadcast, intent,
// KB, intent broadcast.
func (c *Consumer) process(ctx context.Context, j job) {
	line := j.line
	c.cache.Append(line.InteractionID, line)

	if err := c.deps.Store.SaveTranscript(ctx, j.tenantID, line); err != nil {
		c.deps.Metrics.RecordEnrichmentError(ctx, "store")
		c.log.Warn("transcript write-through failed",
			"interaction_id", line.InteractionID, "seq", line.Seq, "err", err)
	}

	c.deps.Hub.Broadcast(fanout.Event{
		Type:   fanout.EventTranscriptLine,
		CallID: line.InteractionID,
		Data:   line,
	})

	if c.deps.Classifier == nil || !intent.ShouldClassify(line.Text) {
		return
	}

	verdict := c.deps.Classifier.Classify(ctx, line)
	if verdict.Intent == types.IntentUnknown && verdict.Confidence == 0 {
		c.deps.Metrics.RecordEnrichmentError(ctx, "intent")
	}
	if err := c.deps.Store.SaveIntent(ctx, j.tenantID, verdict); err != nil {
		c.deps.Metrics.RecordEnrichmentError(ctx, "store")
		c.log.Warn("intent write failed",
			"interaction_id", line.InteractionID, "seq", line.Seq, "err", err)
	}

	var articles []types.KBArticle
	if verdict.Intent != types.IntentUnknown {
		articles = c.lookupKB(ctx, j.tenantID, verdict.Intent, line.Text)
	}

	c.deps.Hub.Broadcast(fanout.Event{
		Type:   fanout.EventIntentUpdate,
		CallID: line.InteractionID,
		Data: IntentUpdate{
			InteractionID: line.InteractionID,
			Seq:           verdict.Seq,
			Intent:        verdict.Intent,
			Confidence:    verdict.Confidence,
			Articles:      articles,
		},
	})
}

// lookupKB queries the tenant's KB adapter with the intent words, passing
// the triggering line as ranking context. Errors degrade to an empty article
// list.
func (c *Consumer) lookupKB(ctx context.Context, tenantID, intentName, lineText string) []types.KBArticle {
	settings, err := c.deps.Resolver.Resolve(ctx, config.Scope{TenantID: tenantID})
	if err != nil {
		c.deps.Metrics.RecordEnrichmentError(ctx, "kb")
		c.log.Warn("tenant settings lookup failed", "tenant_id", tenantID, "err", err)
		return nil
	}

	adapter, err := kb.ForSettings(settings, c.deps.KBPool)
	if err != nil {
		c.deps.Metrics.RecordEnrichmentError(ctx, "kb")
		c.log.Warn("kb adapter selection failed", "tenant_id", tenantID, "err", err)
		return nil
	}

	query := strings.ReplaceAll(intentName, "_", " ")
	articles, err := adapter.Search(ctx, query, kb.SearchOptions{
		TenantID: tenantID,
		Limit:    settings.MaxArticles,
		Context:  lineText,
	})
	if err != nil {
		c.deps.Metrics.RecordEnrichmentError(ctx, "kb")
		c.log.Warn("kb search failed",
			"tenant_id", tenantID, "adapter", adapter.Name(), "query", query, "err", err)
		return nil
	}
	return articles
}

// handleCallEnd broadcasts the end event, kicks off summary generation, and
// schedules teardown of the call's subscription and queue after a grace
// period for trailing lines.
func (c *Consumer) handleCallEnd(ctx context.Context, msg bus.Message) error {
	var end types.CallEnd
	if err := json.Unmarshal(msg.Payload, &end); err != nil {
		c.log.Warn("drop undecodable call_end", "err", err)
		return nil
	}
	if end.InteractionID == "" {
		return nil
	}

	c.deps.Hub.Broadcast(fanout.Event{
		Type:   fanout.EventCallEnd,
		CallID: end.InteractionID,
		Data:   end,
	})

	if c.deps.Summarizer != nil {
		go c.generateSummary(end.TenantID, end.InteractionID)
	}

	time.AfterFunc(unsubscribeGrace, func() { c.unfollow(end.InteractionID) })
	return nil
}

// generateSummary pre-computes the call summary so the dashboard's request
// usually hits the cache.
func (c *Consumer) generateSummary(tenantID, interactionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := c.Summary(ctx, tenantID, interactionID); err != nil {
		if errors.Is(err, summary.ErrNoTranscript) {
			c.log.Debug("no transcript to summarise", "interaction_id", interactionID)
			return
		}
		c.log.Warn("summary generation failed", "interaction_id", interactionID, "err", err)
	}
}

// Summary returns the call's disposition summary, generating and caching it
// on first request. Generation is not idempotent across attempts; the cache
// keeps one call's dashboards consistent.
func (c *Consumer) Summary(ctx context.Context, tenantID, interactionID string) (*types.CallSummary, error) {
	if c.deps.Summarizer == nil {
		return nil, ErrSummaryUnavailable
	}
	c.mu.Lock()
	if s, ok := c.summaries[interactionID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.deps.Summarizer.Generate(ctx, tenantID, interactionID)
	if err != nil {
		return nil, err
	}
	if s.UsedFallback {
		c.deps.Metrics.SummaryFallbacks.Add(ctx, 1)
	}

	c.mu.Lock()
	c.summaries[interactionID] = s
	c.mu.Unlock()
	return s, nil
}

// Transcript serves the polling-fallback read path: the fresh cache when it
// has the call, otherwise the store.
func (c *Consumer) Transcript(ctx context.Context, interactionID string) ([]types.Transcript, error) {
	if lines, ok := c.cache.Read(interactionID); ok {
		return lines, nil
	}
	return c.deps.Store.ListTranscripts(ctx, interactionID)
}

// unfollow closes the call's transcript subscription and stops its queue.
func (c *Consumer) unfollow(interactionID string) {
	c.mu.Lock()
	sub := c.subs[interactionID]
	delete(c.subs, interactionID)
	q := c.queues[interactionID]
	delete(c.queues, interactionID)
	c.mu.Unlock()

	if sub != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sub.Close(closeCtx)
	}
	if q != nil {
		close(q.quit)
	}
}

// closeAll tears down every subscription and queue. Shutdown path.
func (c *Consumer) closeAll(ctx context.Context) {
	c.mu.Lock()
	subs := c.subs
	queues := c.queues
	c.subs = make(map[string]bus.Subscription)
	c.queues = make(map[string]*callQueue)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Close(ctx)
		}
	}
	for _, q := range queues {
		close(q.quit)
	}
}
