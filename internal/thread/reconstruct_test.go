package thread

import (
	"context"
	"errors"
	"testing"

	"persona-chat/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconstructor(store AncestorStore) *Reconstructor {
	cfg := DefaultConfig()
	cfg.FetchLimit = 10
	cfg.MaxFetchLimit = 20
	return NewReconstructor(store, cfg, nil)
}

func TestReconstructLinearThread(t *testing.T) {
	s := newMemStore()
	ids := s.chain(t, "chat", 5)

	thread, err := newTestReconstructor(s).Reconstruct(context.Background(), "chat", "m05", 0)
	require.NoError(t, err)

	assert.Equal(t, ids, messageIDs(thread))
	assert.True(t, thread[0].IsRoot())
	for i := 1; i < len(thread); i++ {
		assert.Equal(t, thread[i-1].ID, *thread[i].ParentID)
		assert.True(t, thread[i].CreatedAt.After(thread[i-1].CreatedAt))
	}
}

func TestReconstructBranchedTree(t *testing.T) {
	s := forkedStore()
	r := newTestReconstructor(s)

	thread, err := r.Reconstruct(context.Background(), "chat", "B", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, messageIDs(thread))

	thread, err = r.Reconstruct(context.Background(), "chat", "D", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "D"}, messageIDs(thread))
}

func TestReconstructRespectsLimit(t *testing.T) {
	s := newMemStore()
	s.chain(t, "chat", 30)
	r := newTestReconstructor(s)

	thread, err := r.Reconstruct(context.Background(), "chat", "m30", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m28", "m29", "m30"}, messageIDs(thread))

	// default and cap
	thread, err = r.Reconstruct(context.Background(), "chat", "m30", 0)
	require.NoError(t, err)
	assert.Len(t, thread, 10)

	thread, err = r.Reconstruct(context.Background(), "chat", "m30", 1000)
	require.NoError(t, err)
	assert.Len(t, thread, 20)
}

func TestReconstructUnknownOrForeignLeaf(t *testing.T) {
	s := newMemStore()
	s.chain(t, "chat", 3)
	r := newTestReconstructor(s)

	thread, err := r.Reconstruct(context.Background(), "chat", "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, thread)

	thread, err = r.Reconstruct(context.Background(), "other-chat", "m03", 0)
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestReconstructDanglingParentStopsSilently(t *testing.T) {
	s := newMemStore()
	s.add("chat", "orphan", ptr("deleted"), models.RoleUser, t0, "x")
	s.add("chat", "child", ptr("orphan"), models.RoleAssistant, t0.Add(1), "y")

	thread, err := newTestReconstructor(s).Reconstruct(context.Background(), "chat", "child", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan", "child"}, messageIDs(thread))
}

func TestReconstructPropagatesStoreError(t *testing.T) {
	s := newMemStore()
	s.err = errors.New("timeout")

	_, err := newTestReconstructor(s).Reconstruct(context.Background(), "chat", "m01", 0)
	assert.Error(t, err)
}

func TestContiguousTruncatesAtBrokenLink(t *testing.T) {
	rows := []models.Message{
		{ID: "a", ChatID: "chat"},
		{ID: "b", ChatID: "chat", ParentID: ptr("zzz")},
		{ID: "c", ChatID: "chat", ParentID: ptr("b")},
	}

	assert.Equal(t, []string{"b", "c"}, messageIDs(contiguous(rows, "chat", "c")))
	assert.Empty(t, contiguous(rows, "chat", "a"))
}

func TestContiguousStopsAboveRoot(t *testing.T) {
	rows := []models.Message{
		{ID: "x", ChatID: "chat"},
		{ID: "y", ChatID: "chat"},
		{ID: "z", ChatID: "chat", ParentID: ptr("y")},
	}

	got := contiguous(rows, "chat", "z")
	assert.Equal(t, []string{"y", "z"}, messageIDs(got))
	assert.True(t, got[0].IsRoot())
}
