package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"persona-chat/backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

var base = time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)

// seedChain inserts n messages forming a single chain and returns them in order.
func seedChain(t *testing.T, repo *GormMessageRepository, chatID string, n int) []*models.Message {
	t.Helper()
	var out []*models.Message
	var parent *string
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		m := newMessage(chatID, parent, role, fmt.Sprintf("m%d", i+1), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, repo.CreateBatch(context.Background(), m))
		id := m.ID
		parent = &id
		out = append(out, m)
	}
	return out
}

func newMessage(chatID string, parent *string, role models.Role, text string, at time.Time) *models.Message {
	m := &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		ParentID:  parent,
		Role:      role,
		Parts:     models.TextParts(text),
		CreatedAt: at,
		UpdatedAt: at,
	}
	m.SetMeta(models.MessageMetadata{})
	return m
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestAncestorsLinearThread(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()
	chain := seedChain(t, repo, chatID, 5)

	thread, err := repo.Ancestors(ctx, chatID, chain[4].ID, 100)
	require.NoError(t, err)

	require.Len(t, thread, 5)
	for i, m := range thread {
		assert.Equal(t, chain[i].ID, m.ID)
	}
	assert.Nil(t, thread[0].ParentID)
	assert.Equal(t, "m5", thread[4].Text())
}

func TestAncestorsKeepsNodesClosestToLeaf(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()
	chain := seedChain(t, repo, chatID, 5)

	thread, err := repo.Ancestors(ctx, chatID, chain[4].ID, 3)
	require.NoError(t, err)

	assert.Equal(t, []string{chain[2].ID, chain[3].ID, chain[4].ID}, ids(thread))
}

func TestAncestorsFollowsOnlyTheRequestedBranch(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()

	a := newMessage(chatID, nil, models.RoleUser, "A", base)
	b := newMessage(chatID, &a.ID, models.RoleAssistant, "B", base.Add(time.Second))
	c := newMessage(chatID, &a.ID, models.RoleAssistant, "C", base.Add(2*time.Second))
	d := newMessage(chatID, &c.ID, models.RoleUser, "D", base.Add(3*time.Second))
	require.NoError(t, repo.CreateBatch(ctx, a, b, c, d))

	thread, err := repo.Ancestors(ctx, chatID, b.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids(thread))

	thread, err = repo.Ancestors(ctx, chatID, d.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID, d.ID}, ids(thread))
}

func TestAncestorsStaysInsideChat(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatA, chatB := uuid.NewString(), uuid.NewString()
	chain := seedChain(t, repo, chatA, 3)

	// leaf from another chat
	thread, err := repo.Ancestors(ctx, chatB, chain[2].ID, 100)
	require.NoError(t, err)
	assert.Empty(t, thread)

	// parent pointing across chats ends the walk
	stray := newMessage(chatB, &chain[2].ID, models.RoleUser, "stray", base.Add(time.Minute))
	require.NoError(t, repo.CreateBatch(ctx, stray))

	thread, err = repo.Ancestors(ctx, chatB, stray.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{stray.ID}, ids(thread))
}

func TestAncestorsDanglingParent(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()
	missing := uuid.NewString()

	orphan := newMessage(chatID, &missing, models.RoleUser, "orphan", base)
	child := newMessage(chatID, &orphan.ID, models.RoleAssistant, "child", base.Add(time.Second))
	require.NoError(t, repo.CreateBatch(ctx, orphan, child))

	thread, err := repo.Ancestors(ctx, chatID, child.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.ID, child.ID}, ids(thread))
}

func TestAncestorsUnknownLeaf(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))

	thread, err := repo.Ancestors(context.Background(), uuid.NewString(), uuid.NewString(), 10)
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestLatestAndEdges(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()

	_, err := repo.Latest(ctx, chatID)
	assert.ErrorIs(t, err, ErrNotFound)

	chain := seedChain(t, repo, chatID, 3)

	latest, err := repo.Latest(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, chain[2].ID, latest.ID)

	edges, err := repo.Edges(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	assert.Nil(t, edges[0].ParentID)
	assert.Equal(t, chain[0].ID, *edges[1].ParentID)
	assert.Equal(t, models.RoleAssistant, edges[1].Role)
}

func TestChildren(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()

	root := newMessage(chatID, nil, models.RoleUser, "root", base)
	x := newMessage(chatID, &root.ID, models.RoleAssistant, "x", base.Add(time.Second))
	y := newMessage(chatID, &root.ID, models.RoleAssistant, "y", base.Add(2*time.Second))
	require.NoError(t, repo.CreateBatch(ctx, root, x, y))

	children, err := repo.Children(ctx, chatID, &root.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{x.ID, y.ID}, ids(children))

	roots, err := repo.Children(ctx, chatID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID}, ids(roots))
}

func TestCreateBatchIsAtomic(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()

	first := newMessage(chatID, nil, models.RoleUser, "hi", base)
	dup := newMessage(chatID, nil, models.RoleAssistant, "dup", base.Add(time.Second))
	dup.ID = first.ID

	assert.Error(t, repo.CreateBatch(ctx, first, dup))

	_, err := repo.Get(ctx, chatID, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateContent(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	chatID := uuid.NewString()
	chain := seedChain(t, repo, chatID, 2)

	msg := chain[1]
	msg.Parts = models.AppendText(msg.Parts, " and more")
	msg.SetMeta(models.MessageMetadata{Model: "m", Usage: &models.Usage{TotalTokens: 9}})
	msg.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, repo.UpdateContent(ctx, msg))

	got, err := repo.Get(ctx, chatID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "m2 and more", got.Text())
	assert.Equal(t, int64(9), got.Meta().Usage.TotalTokens)

	ghost := newMessage(chatID, nil, models.RoleAssistant, "ghost", base)
	assert.ErrorIs(t, repo.UpdateContent(ctx, ghost), ErrNotFound)
}

func TestChatCreateWithOpening(t *testing.T) {
	db := openTestDB(t)
	chats := NewGormChatRepository(db)
	messages := NewGormMessageRepository(db)
	ctx := context.Background()

	chat := &models.Chat{ID: uuid.NewString(), UserID: "user-1", PersonaID: uuid.NewString()}
	greeting := newMessage("", nil, models.RoleAssistant, "Welcome, traveler.", base)
	require.NoError(t, chats.Create(ctx, chat, greeting))

	got, err := chats.GetForUser(ctx, chat.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, got.ID)

	_, err = chats.GetForUser(ctx, chat.ID, "someone-else")
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := messages.Latest(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, greeting.ID, latest.ID)
}
