// Package cache is an optional read-through cache in front of Store reads
// that are hot on the HTTP surface (GET /runs/{id}) plus a pub/sub
// broadcaster backing the live log tail (GET /runs/{id}/logs?follow=true),
// mirroring the teacher's internal/storage RedisStorage.Get/Set/Delete.
// Falls back to store-only behaviour when no Redis URL is configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/models"
)

const runTTL = 5 * time.Second

// Cache wraps an optional Redis client. A nil client (no URL configured)
// makes every method a clean miss/no-op so callers never branch on whether
// caching is enabled.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// New builds a Cache. When url is empty, the returned Cache always misses.
func New(url, password string, db int, logger *zap.Logger) *Cache {
	logger = logger.With(zap.String("component", "cache"))
	if url == "" {
		logger.Info("cache disabled: no redis url configured")
		return &Cache{logger: logger}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})
	return &Cache{client: client, logger: logger}
}

// GetRun returns a cached Run, or (nil, false) on a miss or when caching is
// disabled.
func (c *Cache) GetRun(ctx context.Context, id string) (*models.Run, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, runKey(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		c.logger.Warn("unmarshal cached run failed", zap.String("run_id", id), zap.Error(err))
		return nil, false
	}
	return &run, true
}

// PutRun caches run with a short TTL, short enough that a missed
// invalidation (e.g. a concurrent worker's UpdateRun) is never visible for
// long. A write error is logged and swallowed: the cache is an optimization,
// never a source of truth.
func (c *Cache) PutRun(ctx context.Context, run *models.Run) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(run)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, runKey(run.ID), data, runTTL).Err(); err != nil {
		c.logger.Warn("cache run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// InvalidateRun drops a cached run. The run HTTP handlers call it after the
// changes they make; the scheduler and the run controller's background flow
// invocations update runs without calling it, so a cached run can be stale
// for up to the TTL.
func (c *Cache) InvalidateRun(ctx context.Context, id string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, runKey(id)).Err(); err != nil {
		c.logger.Warn("invalidate cached run failed", zap.String("run_id", id), zap.Error(err))
	}
}

// PublishLog broadcasts a RunLog entry on the run's pub/sub channel for live
// tail subscribers. A no-op when caching is disabled.
func (c *Cache) PublishLog(ctx context.Context, log *models.RunLog) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(log)
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, logChannel(log.RunID), data).Err(); err != nil {
		c.logger.Warn("publish log failed", zap.String("run_id", log.RunID), zap.Error(err))
	}
}

// SubscribeLogs returns a subscription to a run's live log channel, for the
// SSE live-tail handler. Callers must Close it.
func (c *Cache) SubscribeLogs(ctx context.Context, runID string) (*redis.PubSub, error) {
	if c.client == nil {
		return nil, fmt.Errorf("cache disabled: cannot subscribe")
	}
	return c.client.Subscribe(ctx, logChannel(runID)), nil
}

// Close releases the Redis client, a no-op when caching is disabled.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func runKey(id string) string        { return "maxq:run:" + id }
func logChannel(runID string) string { return "maxq:logs:" + runID }
