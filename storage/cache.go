package storage

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchStatuses(ctx context.Context, projectID string) ([]domain.Status, error)
	UpdateTask(ctx context.Context, projectID, taskID string, upd domain.UpdateTask) error
}

// Cache wraps a backend with Redis-backed caching for read operations.
//
// Writes reach the read model asynchronously, so after an UpdateTask the
// task list is only cached again once a fetch returns something different
// from what was cached before the write.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, projectID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, projectID, tasks)
	return tasks, nil
}

func (c *Cache) FetchStatuses(ctx context.Context, projectID string) ([]domain.Status, error) {
	if statuses, ok := c.loadStatusesFromCache(ctx, projectID); ok {
		return statuses, nil
	}

	statuses, err := c.base.FetchStatuses(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.storeStatuses(ctx, projectID, statuses)
	return statuses, nil
}

func (c *Cache) UpdateTask(ctx context.Context, projectID, taskID string, upd domain.UpdateTask) error {
	if err := c.base.UpdateTask(ctx, projectID, taskID, upd); err != nil {
		return err
	}

	c.evict(ctx, projectID)
	return nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, projectID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) loadStatusesFromCache(ctx context.Context, projectID string) ([]domain.Status, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, statusesCacheKey(projectID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			_ = c.redis.Del(ctx, statusesCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var statuses []domain.Status
	if err := sonic.Unmarshal(data, &statuses); err != nil {
		_ = c.redis.Del(ctx, statusesCacheKey(projectID)).Err()
		return nil, false
	}
	return statuses, true
}

func (c *Cache) storeTasks(ctx context.Context, projectID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	baseline, err := c.redis.Get(ctx, pendingCacheKey(projectID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return
	case len(baseline) == 0:
		// First read after a write with nothing cached: remember it.
		_ = c.redis.Set(ctx, pendingCacheKey(projectID), data, c.ttl).Err()
		return
	case bytes.Equal(baseline, data):
		return
	default:
		_ = c.redis.Del(ctx, pendingCacheKey(projectID)).Err()
	}
	_ = c.redis.Set(ctx, tasksCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) storeStatuses(ctx context.Context, projectID string, statuses []domain.Status) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(statuses)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, statusesCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	if c.ttl > 0 {
		baseline, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
		if err != nil {
			baseline = nil
		}
		exists, _ := c.redis.Exists(ctx, pendingCacheKey(projectID)).Result()
		if len(baseline) > 0 || exists == 0 {
			_ = c.redis.Set(ctx, pendingCacheKey(projectID), baseline, c.ttl).Err()
		}
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(projectID)).Result()
}

// MarkProjected drops the cached task list and the pending baseline once a
// queued write has reached the read model, so the next fetch is cached.
func (c *Cache) MarkProjected(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(projectID), pendingCacheKey(projectID)).Err()
}

func tasksCacheKey(projectID string) string {
	return "tasks:" + projectID
}

func statusesCacheKey(projectID string) string {
	return "statuses:" + projectID
}

func pendingCacheKey(projectID string) string {
	return "tasks-pending:" + projectID
}
