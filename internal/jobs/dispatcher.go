// Package jobs hands fire-and-forget work to the external task runner.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"persona-chat/backend/internal/metrics"
	sharedredis "persona-chat/backend/shared/redis"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job types
const (
	TypeSceneImage = "generate-scene-image"
)

// Handle identifies a dispatched job. The access token lets a client poll
// the task runner for that job only.
type Handle struct {
	ID          string `json:"id"`
	AccessToken string `json:"accessToken"`
}

// Dispatcher enqueues jobs
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType string, payload any) (Handle, error)
}

// envelope is the wire format read by the task runner
type envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// RedisDispatcher pushes jobs onto one Redis list per job type
type RedisDispatcher struct {
	client   redis.Cmdable
	prefix   string
	tokenTTL time.Duration
	metrics  *metrics.Metrics
}

func NewRedisDispatcher(client redis.Cmdable, prefix string, tokenTTL time.Duration, m *metrics.Metrics) *RedisDispatcher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &RedisDispatcher{client: client, prefix: prefix, tokenTTL: tokenTTL, metrics: m}
}

// QueueKey is the list a job type is pushed to
func (d *RedisDispatcher) QueueKey(jobType string) string {
	return sharedredis.Key(d.prefix, "queue", jobType)
}

// TokenKey stores the access token of a job
func (d *RedisDispatcher) TokenKey(jobID string) string {
	return sharedredis.Key(d.prefix, "token", jobID)
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, jobType string, payload any) (Handle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("encoding %s payload: %w", jobType, err)
	}

	h := Handle{ID: uuid.NewString(), AccessToken: uuid.NewString()}
	body, err := json.Marshal(envelope{
		ID:         h.ID,
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("encoding %s envelope: %w", jobType, err)
	}

	_, err = d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, d.TokenKey(h.ID), h.AccessToken, d.tokenTTL)
		p.LPush(ctx, d.QueueKey(jobType), body)
		return nil
	})
	if err != nil {
		d.metrics.JobsDispatched.WithLabelValues(jobType, "error").Inc()
		return Handle{}, fmt.Errorf("enqueueing %s: %w", jobType, err)
	}

	d.metrics.JobsDispatched.WithLabelValues(jobType, "ok").Inc()
	return h, nil
}

// NoopDispatcher drops every job; used when the task runner is disabled
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(context.Context, string, any) (Handle, error) {
	return Handle{}, nil
}

// SceneImagePayload asks the runner to illustrate the latest turn
type SceneImagePayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}
