// Package leafcache remembers the tip of the active branch of each chat.
// Entries are hints: callers must tolerate misses, stale ids and backend
// errors.
package leafcache

import (
	"context"
	"errors"
	"time"

	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/pkg/cache"
	"persona-chat/backend/pkg/logger"
	sharedredis "persona-chat/backend/shared/redis"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by a Store when no entry exists
var ErrMiss = errors.New("leaf cache miss")

// Store is a key value backend for leaf pointers
type Store interface {
	Get(ctx context.Context, chatID string) (string, error)
	Set(ctx context.Context, chatID, messageID string, ttl time.Duration) error
	Delete(ctx context.Context, chatID string) error
}

// RedisStore keeps leaf pointers in Redis
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(chatID string) string {
	return sharedredis.Key(s.prefix, "leaf", chatID)
}

func (s *RedisStore) Get(ctx context.Context, chatID string) (string, error) {
	v, err := s.client.Get(ctx, s.key(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, chatID, messageID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(chatID), messageID, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, chatID string) error {
	return s.client.Del(ctx, s.key(chatID)).Err()
}

// MemoryStore keeps leaf pointers in process; used when Redis is disabled
type MemoryStore struct {
	c *cache.Cache
}

func NewMemoryStore(c *cache.Cache) *MemoryStore {
	return &MemoryStore{c: c}
}

func (s *MemoryStore) Get(_ context.Context, chatID string) (string, error) {
	v, ok := s.c.Get(chatID)
	if !ok {
		return "", ErrMiss
	}
	id, _ := v.(string)
	if id == "" {
		return "", ErrMiss
	}
	return id, nil
}

func (s *MemoryStore) Set(_ context.Context, chatID, messageID string, ttl time.Duration) error {
	s.c.SetWithExpiration(chatID, messageID, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, chatID string) error {
	s.c.Delete(chatID)
	return nil
}

// Cache wraps a Store so that failures never reach the caller.
type Cache struct {
	store   Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

func New(store Store, ttl time.Duration, m *metrics.Metrics) *Cache {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Cache{store: store, ttl: ttl, metrics: m}
}

// Lookup returns the cached leaf for chatID, if any.
func (c *Cache) Lookup(ctx context.Context, chatID string) (string, bool) {
	id, err := c.store.Get(ctx, chatID)
	switch {
	case err == nil:
		c.metrics.LeafCacheLookups.WithLabelValues("hit").Inc()
		return id, true
	case errors.Is(err, ErrMiss):
		c.metrics.LeafCacheLookups.WithLabelValues("miss").Inc()
	default:
		c.metrics.LeafCacheLookups.WithLabelValues("error").Inc()
		logger.FromContext(ctx).Warn("leaf cache read failed", "chat_id", chatID, "error", err.Error())
	}
	return "", false
}

// Remember stores messageID as the leaf of chatID.
func (c *Cache) Remember(ctx context.Context, chatID, messageID string) {
	if err := c.store.Set(ctx, chatID, messageID, c.ttl); err != nil {
		logger.FromContext(ctx).Warn("leaf cache write failed", "chat_id", chatID, "error", err.Error())
	}
}

// Invalidate drops the entry for chatID.
func (c *Cache) Invalidate(ctx context.Context, chatID string) {
	if err := c.store.Delete(ctx, chatID); err != nil {
		logger.FromContext(ctx).Warn("leaf cache invalidate failed", "chat_id", chatID, "error", err.Error())
	}
}

// MarkStale records that a cached entry pointed at a message that no longer
// resolves, and drops it.
func (c *Cache) MarkStale(ctx context.Context, chatID string) {
	c.metrics.LeafCacheLookups.WithLabelValues("stale").Inc()
	c.Invalidate(ctx, chatID)
}
