package thread

import (
	"context"
	"fmt"
	"testing"
	"time"

	"persona-chat/backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threadWithCheckpoints(t *testing.T, n int, checkpointAt ...int) *memStore {
	t.Helper()
	s := newMemStore()
	s.chain(t, "chat", n)
	for _, pos := range checkpointAt {
		id := fmt.Sprintf("m%02d", pos)
		s.checkpoint(id, "state at "+id)
	}
	return s
}

func TestSelectCheckpointLongTailAnchorsOnLast(t *testing.T) {
	s := threadWithCheckpoints(t, 30, 5)
	thread, err := s.Ancestors(context.Background(), "chat", "m30", 100)
	require.NoError(t, err)

	sel := SelectCheckpoint(thread, 24)

	require.NotNil(t, sel.Anchor)
	assert.Equal(t, "state at m05", sel.Anchor.Content)
	assert.Equal(t, 4, sel.AnchorIndex)
	assert.Len(t, sel.Window, 25)
	assert.Equal(t, "m06", sel.Window[0].ID)
	assert.Equal(t, "m30", sel.Window[24].ID)
	assert.Equal(t, 25, sel.SinceLastCheckpoint)
	assert.True(t, sel.NeedsSummary)
}

func TestSelectCheckpointShortTailAnchorsOnPrevious(t *testing.T) {
	s := threadWithCheckpoints(t, 10, 2, 8)
	thread, err := s.Ancestors(context.Background(), "chat", "m10", 100)
	require.NoError(t, err)

	sel := SelectCheckpoint(thread, 24)

	require.NotNil(t, sel.Anchor)
	assert.Equal(t, "state at m02", sel.Anchor.Content)
	assert.Equal(t, 7, sel.LastCheckpointIndex)
	assert.Equal(t, 1, sel.PreviousCheckpointIndex)
	assert.Equal(t, []string{"m03", "m04", "m05", "m06", "m07", "m08", "m09", "m10"}, messageIDs(sel.Window))
	assert.False(t, sel.NeedsSummary)
	assert.Equal(t, "state at m08", sel.LastCheckpoint(thread).Content)
	assert.Equal(t, []string{"m09", "m10"}, messageIDs(sel.SinceLast(thread)))
}

func TestSelectCheckpointSingleRecentCheckpointKeepsWholeThread(t *testing.T) {
	s := threadWithCheckpoints(t, 12, 10)
	thread, _ := s.Ancestors(context.Background(), "chat", "m12", 100)

	sel := SelectCheckpoint(thread, 24)

	assert.Nil(t, sel.Anchor)
	assert.Equal(t, -1, sel.AnchorIndex)
	assert.Len(t, sel.Window, 12)
}

func TestSelectCheckpointNone(t *testing.T) {
	s := threadWithCheckpoints(t, 26)
	thread, _ := s.Ancestors(context.Background(), "chat", "m26", 100)

	sel := SelectCheckpoint(thread, 24)

	assert.Nil(t, sel.Anchor)
	assert.Len(t, sel.Window, 26)
	assert.Equal(t, 26, sel.SinceLastCheckpoint)
	assert.True(t, sel.NeedsSummary)
	assert.Len(t, sel.SinceLast(thread), 26)
}

func TestSelectCheckpointBoundary(t *testing.T) {
	// exactly threshold messages after the checkpoint: not past it yet
	s := threadWithCheckpoints(t, 27, 1, 3)
	thread, _ := s.Ancestors(context.Background(), "chat", "m27", 100)

	sel := SelectCheckpoint(thread, 24)
	assert.Equal(t, 24, sel.SinceLastCheckpoint)
	assert.Equal(t, 0, sel.AnchorIndex)

	s.add("chat", "m28", ptr("m27"), models.RoleUser, t0.Add(time.Minute), "one more")
	thread, _ = s.Ancestors(context.Background(), "chat", "m28", 100)

	sel = SelectCheckpoint(thread, 24)
	assert.Equal(t, 2, sel.AnchorIndex)
}

func TestSelectCheckpointEmptyThread(t *testing.T) {
	sel := SelectCheckpoint(nil, 24)
	assert.Nil(t, sel.Anchor)
	assert.Empty(t, sel.Window)
	assert.False(t, sel.NeedsSummary)
}
