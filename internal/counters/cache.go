package counters

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Source provides the authoritative unread counts used to correct optimistic
// drift, typically backed by a folder refetch against the mail engine.
type Source interface {
	FetchCounts(ctx context.Context) (map[string]int, error)
}

// Cache is the per-session folder unread counter map. Notification events
// and optimistic mutations adjust it immediately; a periodic reconciliation
// overwrites it with server truth. Counts never go negative.
//
// The in-memory map is the read path; redis only mirrors it so other
// processes (and a restarted daemon) can see the last known counts. Mirror
// failures are logged and swallowed.
type Cache struct {
	rdb    *redis.Client
	key    string
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int
}

// NewCache creates a counter cache. rdb may be nil to disable mirroring;
// key is the redis hash the counts are mirrored into.
func NewCache(rdb *redis.Client, key string, logger *zap.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		key:    key,
		logger: logger,
		counts: make(map[string]int),
	}
}

// Increment raises the unread count of a folder by n.
func (c *Cache) Increment(ctx context.Context, folderID string, n int) int {
	if n < 0 {
		return c.Decrement(ctx, folderID, -n)
	}
	c.mu.Lock()
	c.counts[folderID] += n
	v := c.counts[folderID]
	c.mu.Unlock()

	c.mirror(ctx, folderID, v)
	return v
}

// Decrement lowers the unread count of a folder by n, clamped at zero.
func (c *Cache) Decrement(ctx context.Context, folderID string, n int) int {
	if n < 0 {
		return c.Increment(ctx, folderID, -n)
	}
	c.mu.Lock()
	v := c.counts[folderID] - n
	if v < 0 {
		v = 0
	}
	c.counts[folderID] = v
	c.mu.Unlock()

	c.mirror(ctx, folderID, v)
	return v
}

// Get returns the cached unread count of a folder.
func (c *Cache) Get(folderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[folderID]
}

// Snapshot returns a copy of all cached counts.
func (c *Cache) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Reconcile replaces the cache with the authoritative counts from src.
func (c *Cache) Reconcile(ctx context.Context, src Source) error {
	authoritative, err := src.FetchCounts(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.counts = make(map[string]int, len(authoritative))
	for k, v := range authoritative {
		if v < 0 {
			v = 0
		}
		c.counts[k] = v
	}
	c.mu.Unlock()

	c.mirrorAll(ctx)
	return nil
}

// StartReconciler runs periodic reconciliation until ctx is cancelled.
func (c *Cache) StartReconciler(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx, src); err != nil {
				c.logger.Error("Counter reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache) mirror(ctx context.Context, folderID string, v int) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.HSet(ctx, c.key, folderID, v).Err(); err != nil {
		c.logger.Warn("Failed to mirror counter to redis",
			zap.String("folder", folderID),
			zap.Error(err),
		)
	}
}

func (c *Cache) mirrorAll(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	snapshot := c.Snapshot()
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil {
		c.logger.Warn("Failed to reset counter mirror", zap.Error(err))
		return
	}
	if len(snapshot) == 0 {
		return
	}
	fields := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		fields[k] = v
	}
	if err := c.rdb.HSet(ctx, c.key, fields).Err(); err != nil {
		c.logger.Warn("Failed to mirror counters to redis", zap.Error(err))
	}
}
