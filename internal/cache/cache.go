package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

// DefaultProgressTTL is how long a run's last progress snapshot is kept.
const DefaultProgressTTL = 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	// PublishProgress stores ev as the run's latest snapshot and fans it out
	// to live subscribers.
	PublishProgress(ctx context.Context, ev models.ProgressEvent) error
	RunProgress(ctx context.Context, runID uuid.UUID) (*models.ProgressEvent, bool, error)
	// SubscribeProgress streams events for one run until ctx ends or the
	// returned close function is called.
	SubscribeProgress(ctx context.Context, runID uuid.UUID) (<-chan models.ProgressEvent, func() error, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client      *redis.Client
	progressTTL time.Duration
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string, progressTTL time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if progressTTL <= 0 {
		progressTTL = DefaultProgressTTL
	}
	return &RedisCache{client: redis.NewClient(opts), progressTTL: progressTTL}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// publishProgressScript stores and fans out a snapshot unless the stored one
// is newer. It mirrors models.ProgressEvent.Supersedes.
var publishProgressScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ev = cjson.decode(ARGV[1])
if cur then
  local prev = cjson.decode(cur)
  local function active(s) return s == 'queued' or s == 'running' or s == 'paused' end
  local function done(e) return e.succeeded + e.failed + e.skipped end
  if (not active(prev.status)) and active(ev.status) then return 0 end
  if done(ev) < done(prev) then return 0 end
  if (ev.seq or 0) < (prev.seq or 0) then return 0 end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('PUBLISH', KEYS[2], ARGV[1])
return 1
`)

// PublishProgress stores ev as the run's snapshot and publishes it. A snapshot
// older than the stored one is dropped so a slow writer cannot roll progress
// back.
func (c *RedisCache) PublishProgress(ctx context.Context, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	keys := []string{RunProgressKey(ev.RunID), RunProgressChannel(ev.RunID)}
	stored, err := publishProgressScript.Run(ctx, c.client, keys, payload, c.progressTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	if stored == 0 {
		slog.Debug("stale progress snapshot dropped", "run_id", ev.RunID, "status", ev.Status, "seq", ev.Seq)
	}
	return nil
}

func (c *RedisCache) RunProgress(ctx context.Context, runID uuid.UUID) (*models.ProgressEvent, bool, error) {
	raw, found, err := c.Get(ctx, RunProgressKey(runID))
	if err != nil || !found {
		return nil, false, err
	}
	var ev models.ProgressEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false, fmt.Errorf("decode progress: %w", err)
	}
	return &ev, true, nil
}

func (c *RedisCache) SubscribeProgress(ctx context.Context, runID uuid.UUID) (<-chan models.ProgressEvent, func() error, error) {
	sub := c.client.Subscribe(ctx, RunProgressChannel(runID))
	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe progress: %w", err)
	}

	out := make(chan models.ProgressEvent, 16)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("dropping malformed progress event", "run_id", runID, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}

var _ Cache = (*RedisCache)(nil)
