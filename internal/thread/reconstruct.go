package thread

import (
	"context"
	"fmt"
	"time"

	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AncestorStore walks parent links in one round trip
type AncestorStore interface {
	Ancestors(ctx context.Context, chatID, leafID string, limit int) ([]models.Message, error)
}

// Reconstructor rebuilds the linear thread that ends at a leaf
type Reconstructor struct {
	store   AncestorStore
	cfg     Config
	metrics *metrics.Metrics
}

func NewReconstructor(store AncestorStore, cfg Config, m *metrics.Metrics) *Reconstructor {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Reconstructor{store: store, cfg: cfg, metrics: m}
}

// Limit clamps a caller supplied limit to the configured bounds.
func (r *Reconstructor) Limit(limit int) int {
	if limit <= 0 {
		limit = r.cfg.FetchLimit
	}
	if r.cfg.MaxFetchLimit > 0 && limit > r.cfg.MaxFetchLimit {
		limit = r.cfg.MaxFetchLimit
	}
	return limit
}

// Reconstruct returns at most limit messages ending at leafID, oldest first.
// The result is empty when the leaf is not part of the chat.
func (r *Reconstructor) Reconstruct(ctx context.Context, chatID, leafID string, limit int) ([]models.Message, error) {
	limit = r.Limit(limit)

	if r.cfg.ReconstructTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ReconstructTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "thread.Reconstruct", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("thread.limit", limit),
	))
	defer span.End()

	start := time.Now()
	rows, err := r.store.Ancestors(ctx, chatID, leafID, limit)
	r.metrics.ReconstructDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ancestor walk failed")
		return nil, fmt.Errorf("reconstructing thread: %w", err)
	}

	thread := contiguous(rows, chatID, leafID)
	if len(thread) > limit {
		thread = thread[len(thread)-limit:]
	}
	span.SetAttributes(attribute.Int("thread.length", len(thread)))
	return thread, nil
}

// contiguous keeps the longest suffix of rows that forms an unbroken parent
// chain inside chatID ending at leafID.
func contiguous(rows []models.Message, chatID, leafID string) []models.Message {
	n := len(rows)
	if n == 0 || rows[n-1].ID != leafID || rows[n-1].ChatID != chatID {
		return nil
	}

	start := n - 1
	for i := n - 2; i >= 0; i-- {
		child := &rows[i+1]
		if child.IsRoot() || *child.ParentID != rows[i].ID || rows[i].ChatID != chatID {
			break
		}
		start = i
	}
	return rows[start:]
}
