package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
)

// ErrNotFound is returned when a key, member or queue entry is absent
var ErrNotFound = errors.New("not found")

// Key layout shared by every component that touches the
// coordination store
const (
	KeyActiveTasks = "active_tasks"
	KeyTaskQueue   = "task_queue"
)

// RateLimitKey returns the per-client request counter key
func RateLimitKey(ip string) string { return "ratelimit:" + ip }

// ProgressKey returns the key holding a task's progress snapshot
func ProgressKey(taskID string) string { return "progress:" + taskID }

// EventsKey returns the key holding a task's event ring
func EventsKey(taskID string) string { return "events:" + taskID }

// APIKeyKey returns the key holding an issued API key record
func APIKeyKey(keyID string) string { return "apikey:" + keyID }

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
	retryCap      = time.Second

	fallbackSize = 1000
	fallbackTTL  = time.Hour
)

// Coord wraps the Redis coordination store. Reads of JSON values fall
// back to a local LRU cache when Redis is unreachable, so status
// queries keep answering through an outage.
type Coord struct {
	client   *redis.Client
	fallback *expirable.LRU[string, []byte]
}

// New connects to the Redis instance named by url
// (redis://host:port/db)
func New(url string) (*Coord, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Coord{
		client:   redis.NewClient(opts),
		fallback: expirable.NewLRU[string, []byte](fallbackSize, nil, fallbackTTL),
	}, nil
}

// NewFromClient wraps an existing client. Tests use this with
// miniredis.
func NewFromClient(client *redis.Client) *Coord {
	return &Coord{
		client:   client,
		fallback: expirable.NewLRU[string, []byte](fallbackSize, nil, fallbackTTL),
	}
}

// Ping verifies the store is reachable and updates the up gauge
func (c *Coord) Ping(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	if err != nil {
		metrics.RedisUp.Set(0)
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	metrics.RedisUp.Set(1)
	return nil
}

// Close releases the underlying connection pool
func (c *Coord) Close() error {
	return c.client.Close()
}

// SetJSON marshals v and stores it under key with the given TTL. The
// value is mirrored into the fallback cache so reads survive a Redis
// outage.
func (c *Coord) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	c.fallback.Add(key, data)
	return c.withRetry(ctx, "set "+key, func() error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// GetJSON loads the value at key into dst. Returns ErrNotFound when
// the key is absent. When Redis is unreachable the fallback cache is
// consulted before giving up.
func (c *Coord) GetJSON(ctx context.Context, key string, dst interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if cached, ok := c.fallback.Get(key); ok {
			logger := log.WithComponent("coord")
			logger.Warn().Str("key", key).Err(err).Msg("Serving value from fallback cache")
			return json.Unmarshal(cached, dst)
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	c.fallback.Add(key, data)
	return json.Unmarshal(data, dst)
}

// Delete removes the given keys and their fallback entries
func (c *Coord) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		c.fallback.Remove(key)
	}
	return c.withRetry(ctx, "delete keys", func() error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// ScanKeys returns all keys matching pattern. Uses SCAN, never KEYS,
// so it is safe against a live store.
func (c *Coord) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// IncrWithTTL increments key and stamps the TTL on first increment.
// This is the rate limiter's fixed-window counter.
func (c *Coord) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := c.withRetry(ctx, "incr "+key, func() error {
		pipe := c.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	return count, err
}

// SAdd adds members to a set
func (c *Coord) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.withRetry(ctx, "sadd "+key, func() error {
		return c.client.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from a set
func (c *Coord) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.withRetry(ctx, "srem "+key, func() error {
		return c.client.SRem(ctx, key, members...).Err()
	})
}

// SCard returns the set cardinality
func (c *Coord) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scard %s: %w", key, err)
	}
	return n, nil
}

// SMembers returns every member of a set
func (c *Coord) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to smembers %s: %w", key, err)
	}
	return members, nil
}

// RPushCapped appends values to a list, trims it to the newest limit
// entries and refreshes the TTL. Event rings use this.
func (c *Coord) RPushCapped(ctx context.Context, key string, limit int64, ttl time.Duration, values ...interface{}) error {
	return c.withRetry(ctx, "rpush "+key, func() error {
		pipe := c.client.TxPipeline()
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -limit, -1)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// LRangeAll returns the full contents of a list, oldest first
func (c *Coord) LRangeAll(ctx context.Context, key string) ([]string, error) {
	items, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return items, nil
}

// ZAdd inserts a member with the given score
func (c *Coord) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.withRetry(ctx, "zadd "+key, func() error {
		return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZPopMin removes and returns the lowest-scored member. Returns
// ErrNotFound when the set is empty.
func (c *Coord) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	res, err := c.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, fmt.Errorf("failed to zpopmin %s: %w", key, err)
	}
	if len(res) == 0 {
		return "", 0, ErrNotFound
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, nil
}

// ZRem removes a member from a sorted set
func (c *Coord) ZRem(ctx context.Context, key string, member string) error {
	return c.withRetry(ctx, "zrem "+key, func() error {
		return c.client.ZRem(ctx, key, member).Err()
	})
}

// ZCard returns the sorted set cardinality
func (c *Coord) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to zcard %s: %w", key, err)
	}
	return n, nil
}

// ZMembers returns all members ordered by ascending score
func (c *Coord) ZMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrange %s: %w", key, err)
	}
	return members, nil
}

// withRetry runs fn up to retryAttempts times with exponential
// backoff. Context cancellation stops the loop immediately.
func (c *Coord) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			break
		}
		if attempt < retryAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
