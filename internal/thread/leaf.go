package thread

import (
	"context"
	"errors"
	"fmt"

	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/repository"
)

// LeafStore is what the LeafResolver reads
type LeafStore interface {
	Latest(ctx context.Context, chatID string) (*models.Message, error)
	Edges(ctx context.Context, chatID string) ([]models.Edge, error)
}

// LeafResolver finds the message at the tip of the active branch
type LeafResolver struct {
	store LeafStore
}

func NewLeafResolver(store LeafStore) *LeafResolver {
	return &LeafResolver{store: store}
}

// ResolveLeaf returns the leaf to display for chatID.
//
// With strict set the hint is returned as is. Otherwise the resolver walks
// down from the hint, always taking the newest child. Without a hint the
// newest message of the chat wins. A nil result means the chat is empty.
// Hints are not validated here.
func (r *LeafResolver) ResolveLeaf(ctx context.Context, chatID string, hint *string, strict bool) (*string, error) {
	if hint != nil && *hint != "" {
		if strict {
			return hint, nil
		}

		edges, err := r.store.Edges(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("resolving leaf: %w", err)
		}
		tree := NewTree(edges)
		if !tree.Has(*hint) {
			return hint, nil
		}
		leaf := tree.Descend(*hint)
		return &leaf, nil
	}

	latest, err := r.store.Latest(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving leaf: %w", err)
	}
	return &latest.ID, nil
}
