package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktrack/internal/domain"
)

// requires Redis on localhost:6379; skipped otherwise
const testRedisAddr = "localhost:6379"

func setupTestCache(t *testing.T, prefix string) *TaskCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}
	cleanupKeys(ctx, client, prefix+"*")
	t.Cleanup(func() {
		cleanupKeys(ctx, client, prefix+"*")
		client.Close()
	})
	return New(client, prefix, time.Minute)
}

func cleanupKeys(ctx context.Context, client *redis.Client, pattern string) {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func TestTaskCacheRoundTrip(t *testing.T) {
	c := setupTestCache(t, "tasktrack-test-roundtrip:")
	ctx := context.Background()
	desc := "cached description"
	task := domain.Task{
		ID:          7,
		Title:       "cache me",
		Description: &desc,
		Status:      domain.StatusInProgress,
		Priority:    domain.PriorityUrgent,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	_, ok, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetTask(ctx, task))
	got, ok, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, desc, *got.Description)
	assert.True(t, task.CreatedAt.Equal(got.CreatedAt))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 50.0, stats.HitRate, 0.001)
}

func TestTaskCacheDeleteTasks(t *testing.T) {
	c := setupTestCache(t, "tasktrack-test-delete:")
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, c.SetTask(ctx, domain.Task{ID: id, Title: "t"}))
	}
	require.NoError(t, c.DeleteTasks(ctx, 1, 3))

	_, ok, err := c.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.GetTask(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.DeleteTasks(ctx))
}

func TestTaskCacheKeyPrefix(t *testing.T) {
	c := New(nil, "app:", time.Minute)
	assert.Equal(t, "app:task:42", c.key(42))
}
