package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exolabs/exobridge/pkg/types"
)

var _ Registry = (*Redis)(nil)

const (
	callKeyPrefix = "exo:call:"
	activeSetKey  = "exo:calls:active"
)

// Redis is the shared Registry backing. Entries live under exo:call:<id>
// with a one hour TTL; active ids are tracked in a sorted set scored by
// last-activity time so ListActive is a single ZREVRANGE.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// RedisOption is a functional option for [NewRedis].
type RedisOption func(*Redis)

// WithRedisClock overrides the registry's time source. Test use only.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis creates a registry over client. The registry takes ownership of
// the client and closes it in Close.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register implements Registry.
func (r *Redis) Register(ctx context.Context, entry types.CallRegistryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, callKeyPrefix+entry.InteractionID, raw, EntryTTL)
	pipe.ZAdd(ctx, activeSetKey, redis.Z{
		Score:  float64(entry.LastActivityAt.UnixMilli()),
		Member: entry.InteractionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: register %s: %w", entry.InteractionID, err)
	}
	return nil
}

// Touch implements Registry.
func (r *Redis) Touch(ctx context.Context, interactionID string) error {
	entry, err := r.load(ctx, interactionID)
	if errors.Is(err, ErrNotFound) {
		// Late frame for an expired call. Do not resurrect it.
		return nil
	}
	if err != nil {
		return err
	}

	entry.LastActivityAt = r.now()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, callKeyPrefix+interactionID, raw, EntryTTL)
	if entry.Status == types.CallActive {
		pipe.ZAdd(ctx, activeSetKey, redis.Z{
			Score:  float64(entry.LastActivityAt.UnixMilli()),
			Member: interactionID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: touch %s: %w", interactionID, err)
	}
	return nil
}

// MarkEnded implements Registry.
func (r *Redis) MarkEnded(ctx context.Context, interactionID string) error {
	entry, err := r.load(ctx, interactionID)
	if errors.Is(err, ErrNotFound) {
		// Still drop the id from the active set so a stale member cannot
		// linger after the entry key expired.
		return r.client.ZRem(ctx, activeSetKey, interactionID).Err()
	}
	if err != nil {
		return err
	}

	entry.Status = types.CallEnded
	entry.LastActivityAt = r.now()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, callKeyPrefix+interactionID, raw, EntryTTL)
	pipe.ZRem(ctx, activeSetKey, interactionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: mark ended %s: %w", interactionID, err)
	}
	return nil
}

// Get implements Registry.
func (r *Redis) Get(ctx context.Context, interactionID string) (*types.CallRegistryEntry, error) {
	return r.load(ctx, interactionID)
}

// ListActive implements Registry.
func (r *Redis) ListActive(ctx context.Context, limit int) ([]types.CallRegistryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, activeSetKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}

	out := make([]types.CallRegistryEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := r.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Entry key expired but the set member outlived it; clean up.
			_ = r.client.ZRem(ctx, activeSetKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.Status == types.CallActive {
			out = append(out, *entry)
		}
	}
	return out, nil
}

// Close implements Registry.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) load(ctx context.Context, interactionID string) (*types.CallRegistryEntry, error) {
	raw, err := r.client.Get(ctx, callKeyPrefix+interactionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", interactionID, err)
	}

	entry := &types.CallRegistryEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, fmt.Errorf("registry: decode entry %s: %w", interactionID, err)
	}
	return entry, nil
}
