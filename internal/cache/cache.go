// Package cache stores terminal results keyed by request fingerprint so
// repeated identical submissions return the cached result instead of
// running again. Only successes are cached; failures and cancellations
// leave no entry, so an identical resubmission retries fresh.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/inference-orchestrator/internal/job"
)

// Entry points at the job that produced the result. The cache never owns
// execution state; the job record in the store stays authoritative.
type Entry struct {
	JobID  string `json:"job_id"`
	Result []byte `json:"result"`
}

type Cache interface {
	// Get returns the entry for fp, or nil on a miss.
	Get(ctx context.Context, fp string) (*Entry, error)
	Put(ctx context.Context, fp, jobID string, result []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, fp string) error
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func resultKey(fp string) string { return "result:" + fp }

func (c *RedisCache) Get(ctx context.Context, fp string) (*Entry, error) {
	raw, err := c.rdb.Get(ctx, resultKey(fp)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cache get: %v", job.ErrStoreUnavailable, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

func (c *RedisCache) Put(ctx context.Context, fp, jobID string, result []byte, ttl time.Duration) error {
	data, err := json.Marshal(Entry{JobID: jobID, Result: result})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.rdb.Set(ctx, resultKey(fp), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: cache put: %v", job.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, fp string) error {
	if err := c.rdb.Del(ctx, resultKey(fp)).Err(); err != nil {
		return fmt.Errorf("%w: cache invalidate: %v", job.ErrStoreUnavailable, err)
	}
	return nil
}
