package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"persona-chat/backend/internal/leafcache"
	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/repository"
	"persona-chat/backend/internal/thread"

	"github.com/google/uuid"
)

// ThreadQuery selects the branch to display
type ThreadQuery struct {
	ChatID    string
	UserID    string
	MessageID *string
	Limit     int
	Strict    bool
}

// ThreadView is a reconstructed branch
type ThreadView struct {
	LeafID   *string          `json:"leafId"`
	Messages []models.Message `json:"messages"`
}

// LeafLocator finds the current leaf of a chat, preferring the cache.
type LeafLocator struct {
	cache    *leafcache.Cache
	resolver *thread.LeafResolver
	messages repository.MessageRepository
}

func NewLeafLocator(cache *leafcache.Cache, resolver *thread.LeafResolver, messages repository.MessageRepository) *LeafLocator {
	return &LeafLocator{cache: cache, resolver: resolver, messages: messages}
}

// Active returns the leaf message of chatID, or nil for an empty chat. A
// cached id that no longer resolves is dropped and recomputed.
func (l *LeafLocator) Active(ctx context.Context, chatID string) (*models.Message, error) {
	if id, ok := l.cache.Lookup(ctx, chatID); ok {
		m, err := l.messages.Get(ctx, chatID, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		l.cache.MarkStale(ctx, chatID)
	}

	leaf, err := l.resolver.ResolveLeaf(ctx, chatID, nil, false)
	if err != nil || leaf == nil {
		return nil, err
	}
	m, err := l.messages.Get(ctx, chatID, *leaf)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// ChatService serves the read side of chats: threads and branches.
type ChatService struct {
	chats         repository.ChatRepository
	personas      repository.PersonaRepository
	messages      repository.MessageRepository
	resolver      *thread.LeafResolver
	reconstructor *thread.Reconstructor
	branches      *thread.BranchIndex
	locator       *LeafLocator
	cache         *leafcache.Cache
	defaultModel  string
	now           func() time.Time
}

// ChatServiceDeps groups the collaborators of ChatService
type ChatServiceDeps struct {
	Chats         repository.ChatRepository
	Personas      repository.PersonaRepository
	Messages      repository.MessageRepository
	Resolver      *thread.LeafResolver
	Reconstructor *thread.Reconstructor
	Branches      *thread.BranchIndex
	Locator       *LeafLocator
	Cache         *leafcache.Cache
	DefaultModel  string
}

func NewChatService(d ChatServiceDeps) *ChatService {
	return &ChatService{
		chats:         d.Chats,
		personas:      d.Personas,
		messages:      d.Messages,
		resolver:      d.Resolver,
		reconstructor: d.Reconstructor,
		branches:      d.Branches,
		locator:       d.Locator,
		cache:         d.Cache,
		defaultModel:  d.DefaultModel,
		now:           time.Now,
	}
}

func (s *ChatService) chat(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := s.chats.GetForUser(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}
	return chat, nil
}

// Authorize returns ErrChatNotFound unless userID owns chatID.
func (s *ChatService) Authorize(ctx context.Context, chatID, userID string) error {
	_, err := s.chat(ctx, chatID, userID)
	return err
}

// CreateChat creates a chat and, unless skipped, the persona greeting as
// its first message, in one transaction.
func (s *ChatService) CreateChat(ctx context.Context, userID string, req models.CreateChatRequest) (*models.Chat, []models.Message, error) {
	persona, err := s.personas.Get(ctx, req.PersonaID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading persona: %w", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	chat := &models.Chat{
		ID:              uuid.NewString(),
		UserID:          userID,
		PersonaID:       persona.ID,
		Title:           strings.TrimSpace(req.Title),
		UserPersonaName: strings.TrimSpace(req.UserPersonaName),
		Scenario:        req.Scenario,
		AuthorNote:      req.AuthorNote,
		Model:           req.Model,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if chat.Title == "" {
		chat.Title = persona.Name
	}
	if chat.Model == "" {
		chat.Model = s.defaultModel
	}

	var opening []*models.Message
	if greeting := strings.TrimSpace(persona.Greeting); greeting != "" && !req.SkipGreeting {
		text := placeholders(userNameOf(chat), personaNameOf(persona)).Replace(greeting)
		m := &models.Message{
			ID:        uuid.NewString(),
			ChatID:    chat.ID,
			Role:      models.RoleAssistant,
			Parts:     models.TextParts(text),
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.SetMeta(models.MessageMetadata{})
		opening = append(opening, m)
	}

	if err := s.chats.Create(ctx, chat, opening...); err != nil {
		return nil, nil, fmt.Errorf("creating chat: %w", err)
	}

	messages := make([]models.Message, len(opening))
	for i, m := range opening {
		messages[i] = *m
	}
	return chat, messages, nil
}

// GetThread resolves the leaf to show and reconstructs its branch.
func (s *ChatService) GetThread(ctx context.Context, q ThreadQuery) (*ThreadView, error) {
	if _, err := s.chat(ctx, q.ChatID, q.UserID); err != nil {
		return nil, err
	}

	var leaf *string
	if q.MessageID != nil {
		id, err := s.resolver.ResolveLeaf(ctx, q.ChatID, q.MessageID, q.Strict)
		if err != nil {
			return nil, err
		}
		leaf = id
	} else {
		m, err := s.locator.Active(ctx, q.ChatID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			leaf = &m.ID
		}
	}

	if leaf == nil {
		return &ThreadView{Messages: []models.Message{}}, nil
	}

	messages, err := s.reconstructor.Reconstruct(ctx, q.ChatID, *leaf, q.Limit)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		if q.MessageID != nil {
			return nil, ErrMessageNotFound
		}
		// leaf vanished between resolution and the walk
		return &ThreadView{Messages: []models.Message{}}, nil
	}

	s.cache.Remember(ctx, q.ChatID, *leaf)
	return &ThreadView{LeafID: leaf, Messages: messages}, nil
}

// GetBranches returns the parent to children map of the chat.
func (s *ChatService) GetBranches(ctx context.Context, chatID, userID string) (map[string][]thread.BranchEntry, error) {
	if _, err := s.chat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.branches.GetBranches(ctx, chatID)
}

// GetBranchPreview lists the siblings below parentID.
func (s *ChatService) GetBranchPreview(ctx context.Context, chatID, userID, parentID string) ([]thread.BranchPreview, error) {
	if _, err := s.chat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if parentID != thread.RootKey {
		if _, err := s.messages.Get(ctx, chatID, parentID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrMessageNotFound
			}
			return nil, err
		}
	}
	return s.branches.GetBranchPreview(ctx, chatID, parentID)
}
