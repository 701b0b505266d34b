// Package cache keeps point-lookup copies of tasks in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"tasktrack/internal/config"
	"tasktrack/internal/domain"
)

// TaskCache stores tasks as JSON under <prefix>task:<id>.
type TaskCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	stats  Stats
}

type Stats struct {
	Hits    atomic.Uint64
	Misses  atomic.Uint64
	Sets    atomic.Uint64
	Deletes atomic.Uint64
	Errors  atomic.Uint64
}

type StatsSnapshot struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

func New(client *redis.Client, prefix string, ttl time.Duration) *TaskCache {
	return &TaskCache{client: client, prefix: prefix, ttl: ttl}
}

// Open dials Redis from config and verifies the connection.
func Open(ctx context.Context, cfg config.CacheConfig) (*TaskCache, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return New(client, cfg.Prefix, cfg.TTL), nil
}

func (c *TaskCache) key(id int64) string {
	return c.prefix + "task:" + strconv.FormatInt(id, 10)
}

func (c *TaskCache) GetTask(ctx context.Context, id int64) (domain.Task, bool, error) {
	var t domain.Task
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.stats.Misses.Add(1)
			return t, false, nil
		}
		c.stats.Errors.Add(1)
		return t, false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		c.stats.Errors.Add(1)
		return t, false, fmt.Errorf("cache unmarshal: %w", err)
	}
	c.stats.Hits.Add(1)
	return t, true, nil
}

func (c *TaskCache) SetTask(ctx context.Context, t domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key(t.ID), data, c.ttl).Err(); err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache set: %w", err)
	}
	c.stats.Sets.Add(1)
	return nil
}

func (c *TaskCache) DeleteTasks(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.stats.Errors.Add(1)
		return fmt.Errorf("cache delete: %w", err)
	}
	c.stats.Deletes.Add(uint64(len(keys)))
	return nil
}

func (c *TaskCache) Stats() StatsSnapshot {
	hits := c.stats.Hits.Load()
	misses := c.stats.Misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return StatsSnapshot{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.stats.Sets.Load(),
		Deletes: c.stats.Deletes.Load(),
		Errors:  c.stats.Errors.Load(),
		HitRate: rate,
	}
}

func (c *TaskCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *TaskCache) Close() error {
	return c.client.Close()
}
