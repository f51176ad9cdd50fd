package thread

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/repository"
)

var t0 = time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory message tree used by the thread tests.
type memStore struct {
	msgs map[string]models.Message
	err  error
}

func newMemStore() *memStore {
	return &memStore{msgs: map[string]models.Message{}}
}

func (s *memStore) add(chatID, id string, parent *string, role models.Role, at time.Time, text string) models.Message {
	m := models.Message{
		ID:        id,
		ChatID:    chatID,
		ParentID:  parent,
		Role:      role,
		Parts:     models.TextParts(text),
		CreatedAt: at,
		UpdatedAt: at,
	}
	m.SetMeta(models.MessageMetadata{})
	s.msgs[id] = m
	return m
}

func (s *memStore) checkpoint(id, content string) {
	m := s.msgs[id]
	m.SetMeta(models.MessageMetadata{Checkpoint: &models.Checkpoint{Content: content}})
	s.msgs[id] = m
}

func (s *memStore) sorted(chatID string) []models.Message {
	var out []models.Message
	for _, m := range s.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) Latest(_ context.Context, chatID string) (*models.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	all := s.sorted(chatID)
	if len(all) == 0 {
		return nil, repository.ErrNotFound
	}
	return &all[len(all)-1], nil
}

func (s *memStore) Edges(_ context.Context, chatID string) ([]models.Edge, error) {
	if s.err != nil {
		return nil, s.err
	}
	var edges []models.Edge
	for _, m := range s.sorted(chatID) {
		edges = append(edges, models.Edge{ID: m.ID, ParentID: m.ParentID, Role: m.Role, CreatedAt: m.CreatedAt})
	}
	return edges, nil
}

func (s *memStore) Children(_ context.Context, chatID string, parentID *string) ([]models.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Message
	for _, m := range s.sorted(chatID) {
		switch {
		case parentID == nil && m.ParentID == nil:
			out = append(out, m)
		case parentID != nil && m.ParentID != nil && *m.ParentID == *parentID:
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Ancestors(_ context.Context, chatID, leafID string, limit int) ([]models.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	var rev []models.Message
	cur, ok := s.msgs[leafID]
	for ok && cur.ChatID == chatID && len(rev) < limit {
		rev = append(rev, cur)
		if cur.ParentID == nil {
			break
		}
		cur, ok = s.msgs[*cur.ParentID]
	}
	out := make([]models.Message, len(rev))
	for i := range rev {
		out[len(rev)-1-i] = rev[i]
	}
	return out, nil
}

// chain adds n alternating user/assistant messages m1..mn and returns their ids.
func (s *memStore) chain(t *testing.T, chatID string, n int) []string {
	t.Helper()
	var ids []string
	var parent *string
	for i := 1; i <= n; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		id := fmt.Sprintf("m%02d", i)
		s.add(chatID, id, parent, role, t0.Add(time.Duration(i)*time.Second), "text "+id)
		p := id
		parent = &p
		ids = append(ids, id)
	}
	return ids
}

func ptr(s string) *string { return &s }

func messageIDs(ms []models.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
