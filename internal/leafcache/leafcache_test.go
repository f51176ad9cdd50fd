package leafcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/pkg/cache"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Delete(context.Context, string) error { return errors.New("connection refused") }

func TestCacheRoundTripOnMemoryStore(t *testing.T) {
	mem := cache.New(cache.Options{})
	defer mem.Close()
	m := metrics.NewNop()
	c := New(NewMemoryStore(mem), 14*24*time.Hour, m)
	ctx := context.Background()

	_, ok := c.Lookup(ctx, "chat-1")
	assert.False(t, ok)

	c.Remember(ctx, "chat-1", "msg-3")
	id, ok := c.Lookup(ctx, "chat-1")
	assert.True(t, ok)
	assert.Equal(t, "msg-3", id)

	c.Invalidate(ctx, "chat-1")
	_, ok = c.Lookup(ctx, "chat-1")
	assert.False(t, ok)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LeafCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LeafCacheLookups.WithLabelValues("miss")))
}

func TestCacheSwallowsBackendErrors(t *testing.T) {
	m := metrics.NewNop()
	c := New(brokenStore{}, time.Hour, m)
	ctx := context.Background()

	_, ok := c.Lookup(ctx, "chat-1")
	assert.False(t, ok)
	assert.NotPanics(t, func() {
		c.Remember(ctx, "chat-1", "msg-1")
		c.Invalidate(ctx, "chat-1")
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LeafCacheLookups.WithLabelValues("error")))
}

func TestRedisStoreKey(t *testing.T) {
	s := NewRedisStore(nil, "persona-chat:")
	assert.Equal(t, "persona-chat:leaf:chat-1", s.key("chat-1"))
}
