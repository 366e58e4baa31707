package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// envelopeField is the stream entry field holding the JSON envelope.
	envelopeField = "envelope"

	// defaultBlock is how long a consumer blocks waiting for new entries
	// before re-checking for shutdown.
	defaultBlock = 2 * time.Second

	// defaultMaxLen caps each stream's length (approximate trimming).
	defaultMaxLen = 100_000
)

// RedisOption configures the Redis backing.
type RedisOption func(*Redis)

// WithStreamMaxLen sets the approximate per-stream retention cap.
func WithStreamMaxLen(n int64) RedisOption {
	return func(r *Redis) { r.maxLen = n }
}

// WithBlockTimeout sets the consumer XREADGROUP block duration.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.block = d }
}

// Redis is the Redis Streams [Bus] backing: one stream per topic, consumer
// groups for at-least-once delivery, explicit XACK on handler success.
// Unacked messages stay on the group's pending-entries list and are re-read
// when a consumer restarts.
type Redis struct {
	client *redis.Client
	maxLen int64
	block  time.Duration

	mu     sync.Mutex
	subs   []*redisSub
	closed bool
}

// NewRedis creates a Redis Streams bus on an established client. The bus
// takes ownership of the client and closes it in [Redis.Close].
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		maxLen: defaultMaxLen,
		block:  defaultBlock,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Publish implements [Bus].
func (r *Redis) Publish(ctx context.Context, topic string, env Envelope) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.mu.Unlock()

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("bus: marshal envelope: %w", err)
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{envelopeField: raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: xadd %q: %w", topic, err)
	}
	return id, nil
}

// Subscribe implements [Bus]. The consumer group is created on first use;
// each subscription runs one consumer goroutine that first drains the
// group's pending entries for its consumer name, then tails new messages.
func (r *Redis) Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	// The group starts at "0" rather than "$": per-interaction topics are
	// created shortly before their consumers subscribe, and entries appended
	// in that window must still be delivered. Stream trimming caps how much
	// backlog a brand-new group can see.
	err := r.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("bus: create group %q on %q: %w", group, topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{
		bus:      r,
		topic:    topic,
		group:    group,
		consumer: "exo-" + uuid.NewString()[:8],
		handler:  h,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.run(subCtx)

	r.subs = append(r.subs, s)
	return s, nil
}

// Close implements [Bus]. All subscriptions are drained first, then the
// client connection is released.
func (r *Redis) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Close(ctx)
	}
	return r.client.Close()
}

// redisSub is a single consumer-group membership on one stream.
type redisSub struct {
	bus      *Redis
	topic    string
	group    string
	consumer string
	handler  Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close implements [Subscription].
func (s *redisSub) Close(context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *redisSub) run(ctx context.Context) {
	defer s.wg.Done()

	// Re-process anything this consumer read but never acked in a previous
	// incarnation, then switch to tailing new entries.
	s.readLoop(ctx, "0")
	s.readLoop(ctx, ">")
}

// readLoop reads from the stream starting at cursor until ctx is cancelled
// (for ">") or the backlog is exhausted (for "0").
func (s *redisSub) readLoop(ctx context.Context, cursor string) {
	for {
		if ctx.Err() != nil {
			return
		}

		args := &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.topic, cursor},
			Count:    64,
		}
		if cursor == ">" {
			args.Block = s.bus.block
		}

		res, err := s.bus.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			if cursor == "0" {
				return // backlog drained
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bus: redis read error", "topic", s.topic, "group", s.group, "err", err)
			// Brief pause so a dead Redis does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		empty := true
		for _, stream := range res {
			for _, entry := range stream.Messages {
				empty = false
				s.dispatch(ctx, entry)
			}
		}
		if cursor == "0" && empty {
			return
		}
	}
}

// dispatch invokes the handler for one stream entry, acking on success.
// Handler errors leave the entry pending for redelivery.
func (s *redisSub) dispatch(ctx context.Context, entry redis.XMessage) {
	env, ok := decodeEntry(entry)
	if !ok {
		// Malformed entries can never succeed; ack so they do not wedge
		// the pending list forever.
		slog.Warn("bus: dropping malformed stream entry", "topic", s.topic, "id", entry.ID)
		_ = s.bus.client.XAck(ctx, s.topic, s.group, entry.ID).Err()
		return
	}

	if err := s.handler(ctx, Message{ID: entry.ID, Envelope: env}); err != nil {
		slog.Debug("bus: handler error, leaving entry pending",
			"topic", s.topic, "id", entry.ID, "err", err)
		return
	}
	if err := s.bus.client.XAck(ctx, s.topic, s.group, entry.ID).Err(); err != nil && ctx.Err() == nil {
		slog.Warn("bus: xack failed", "topic", s.topic, "id", entry.ID, "err", err)
	}
}

func decodeEntry(entry redis.XMessage) (Envelope, bool) {
	v, ok := entry.Values[envelopeField]
	if !ok {
		return Envelope{}, false
	}
	raw, ok := v.(string)
	if !ok {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, false
	}
	return env, true
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
