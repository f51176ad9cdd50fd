package thread

import (
	"context"
	"fmt"
	"time"

	"persona-chat/backend/internal/models"
)

// BranchStore is what the BranchIndex reads
type BranchStore interface {
	Edges(ctx context.Context, chatID string) ([]models.Edge, error)
	Children(ctx context.Context, chatID string, parentID *string) ([]models.Message, error)
}

// BranchEntry is one child of a parent
type BranchEntry struct {
	ChildID   string    `json:"childId"`
	CreatedAt time.Time `json:"createdAt"`
}

// BranchPreview is a short view of one sibling
type BranchPreview struct {
	ID          string      `json:"id"`
	Role        models.Role `json:"role"`
	PreviewText string      `json:"previewText"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// BranchIndex answers "which alternatives exist at this point" queries
type BranchIndex struct {
	store      BranchStore
	previewCap int
}

func NewBranchIndex(store BranchStore, cfg Config) *BranchIndex {
	return &BranchIndex{store: store, previewCap: cfg.PreviewCharCap}
}

// GetBranches maps every parent id (RootKey for roots) to its children.
func (b *BranchIndex) GetBranches(ctx context.Context, chatID string) (map[string][]BranchEntry, error) {
	edges, err := b.store.Edges(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	tree := NewTree(edges)
	out := make(map[string][]BranchEntry, len(tree.Parents()))
	for parent, kids := range tree.Parents() {
		entries := make([]BranchEntry, len(kids))
		for i, k := range kids {
			entries[i] = BranchEntry{ChildID: k.ID, CreatedAt: k.CreatedAt}
		}
		out[parent] = entries
	}
	return out, nil
}

// GetBranchPreview lists the children of parentID with truncated text.
// Pass RootKey for the roots of the chat.
func (b *BranchIndex) GetBranchPreview(ctx context.Context, chatID, parentID string) ([]BranchPreview, error) {
	var parent *string
	if parentID != RootKey {
		parent = &parentID
	}

	children, err := b.store.Children(ctx, chatID, parent)
	if err != nil {
		return nil, fmt.Errorf("loading branch preview: %w", err)
	}

	previews := make([]BranchPreview, len(children))
	for i, m := range children {
		previews[i] = BranchPreview{
			ID:          m.ID,
			Role:        m.Role,
			PreviewText: Preview(m.Parts, b.previewCap),
			CreatedAt:   m.CreatedAt,
		}
	}
	return previews, nil
}

// Preview concatenates the text parts of raw and truncates the result to
// at most limit runes.
func Preview(raw []byte, limit int) string {
	text := models.PartsText(raw, "")
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
