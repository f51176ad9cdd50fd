package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 24, cfg.Thread.CheckpointThreshold)
	assert.Equal(t, 1200, cfg.Thread.PreviewCharCap)
	assert.Equal(t, 14*24*time.Hour, cfg.Thread.LeafCacheTTL)
	assert.Equal(t, 45*time.Second, cfg.Thread.GenerationTimeout)
	assert.Equal(t, 20*time.Second, cfg.Thread.ReconstructTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHECKPOINT_THRESHOLD", "30")
	t.Setenv("LEAF_CACHE_TTL", "1h")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("THREAD_FETCH_LIMIT", "not-a-number")

	cfg := Load()

	assert.Equal(t, 30, cfg.Thread.CheckpointThreshold)
	assert.Equal(t, time.Hour, cfg.Thread.LeafCacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 100, cfg.Thread.FetchLimit)
}

func TestDSN(t *testing.T) {
	cfg := Load()
	cfg.Database.Host = "db"
	cfg.Database.Name = "chat"

	assert.Contains(t, cfg.DSN(), "host=db")
	assert.Contains(t, cfg.DSN(), "dbname=chat")
}
