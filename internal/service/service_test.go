package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"persona-chat/backend/ai"
	"persona-chat/backend/internal/jobs"
	"persona-chat/backend/internal/leafcache"
	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/repository"
	"persona-chat/backend/internal/thread"
	"persona-chat/backend/pkg/cache"
	"persona-chat/backend/pkg/logger"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var t0 = time.Date(2030, 6, 1, 20, 0, 0, 0, time.UTC)

const testUser = "user-1"

// fakeStream replays fixed deltas, then reports err.
type fakeStream struct {
	deltas []string
	i      int
	err    error
	usage  ai.Usage
	model  string
}

func (s *fakeStream) Next() bool {
	if s.i >= len(s.deltas) {
		return false
	}
	s.i++
	return true
}
func (s *fakeStream) Delta() string   { return s.deltas[s.i-1] }
func (s *fakeStream) Err() error      { return s.err }
func (s *fakeStream) Close() error    { return nil }
func (s *fakeStream) Usage() ai.Usage { return s.usage }
func (s *fakeStream) Model() string   { return s.model }

type fakeProvider struct {
	mu           sync.Mutex
	requests     []ai.Request
	StreamFunc   func(ctx context.Context, req ai.Request) (ai.Stream, error)
	CompleteFunc func(ctx context.Context, req ai.Request) (*ai.Completion, error)
}

func (f *fakeProvider) Stream(ctx context.Context, req ai.Request) (ai.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.StreamFunc(ctx, req)
}

func (f *fakeProvider) Complete(ctx context.Context, req ai.Request) (*ai.Completion, error) {
	if f.CompleteFunc == nil {
		return nil, errors.New("no summaries configured")
	}
	return f.CompleteFunc(ctx, req)
}

func (f *fakeProvider) lastStream() ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func replying(deltas ...string) func(context.Context, ai.Request) (ai.Stream, error) {
	return func(_ context.Context, req ai.Request) (ai.Stream, error) {
		return &fakeStream{
			deltas: deltas,
			model:  req.Model,
			usage:  ai.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		}, nil
	}
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []jobs.SceneImagePayload
	done chan struct{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ string, payload any) (jobs.Handle, error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, payload.(jobs.SceneImagePayload))
	d.mu.Unlock()
	d.done <- struct{}{}
	return jobs.Handle{ID: "job-1"}, nil
}

// recorder is a TurnSink that keeps every event.
type recorder struct {
	deltas   []string
	finished *TurnResult
	failOn   int
}

func (r *recorder) Delta(text string) error {
	r.deltas = append(r.deltas, text)
	if r.failOn > 0 && len(r.deltas) >= r.failOn {
		return errors.New("client disconnected")
	}
	return nil
}

func (r *recorder) Finish(res *TurnResult) error {
	r.finished = res
	return nil
}

type harness struct {
	db        *gorm.DB
	messages  *repository.GormMessageRepository
	chats     *repository.GormChatRepository
	personas  *repository.GormPersonaRepository
	cache     *leafcache.Cache
	provider  *fakeProvider
	metrics   *metrics.Metrics
	dispatch  *recordingDispatcher
	chat      *ChatService
	gen       *GenerationService
	clock     time.Time
	threshold int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	mem := cache.New(cache.Options{})
	t.Cleanup(mem.Close)

	h := &harness{
		db:       db,
		messages: repository.NewGormMessageRepository(db),
		chats:    repository.NewGormChatRepository(db),
		personas: repository.NewGormPersonaRepository(db),
		provider: &fakeProvider{StreamFunc: replying("Hello ", "there.")},
		metrics:  metrics.NewNop(),
		dispatch: &recordingDispatcher{done: make(chan struct{}, 4)},
		clock:    t0,
	}
	h.cache = leafcache.New(leafcache.NewMemoryStore(mem), time.Hour, h.metrics)

	cfg := thread.DefaultConfig()
	cfg.CheckpointThreshold = 4
	h.threshold = cfg.CheckpointThreshold

	resolver := thread.NewLeafResolver(h.messages)
	reconstructor := thread.NewReconstructor(h.messages, cfg, h.metrics)
	locator := NewLeafLocator(h.cache, resolver, h.messages)

	h.chat = NewChatService(ChatServiceDeps{
		Chats:         h.chats,
		Personas:      h.personas,
		Messages:      h.messages,
		Resolver:      resolver,
		Reconstructor: reconstructor,
		Branches:      thread.NewBranchIndex(h.messages, cfg),
		Locator:       locator,
		Cache:         h.cache,
		DefaultModel:  "model-a",
	})
	h.chat.now = h.tick

	h.gen = NewGenerationService(GenerationDeps{
		Chats:         h.chats,
		Personas:      h.personas,
		Messages:      h.messages,
		Locator:       locator,
		Reconstructor: reconstructor,
		Summarizer:    thread.NewSummarizer(h.provider, cfg, h.metrics),
		Provider:      h.provider,
		Cache:         h.cache,
		Jobs:          h.dispatch,
		Metrics:       h.metrics,
		Logger:        logger.Discard(),
	}, GenerationConfig{
		DefaultModel:        "model-a",
		MaxTokens:           512,
		Temperature:         0.8,
		CheckpointThreshold: cfg.CheckpointThreshold,
		GenerationTimeout:   5 * time.Second,
		PersistTimeout:      5 * time.Second,
	})
	h.gen.now = h.tick
	return h
}

// tick advances the fake clock by one second per call.
func (h *harness) tick() time.Time {
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

func (h *harness) newChat(t *testing.T, greeting string) *models.Chat {
	t.Helper()
	persona := &models.Persona{
		ID:          uuid.NewString(),
		Name:        "Mira",
		Description: "A lighthouse keeper who talks to {{user}}.",
		Greeting:    greeting,
	}
	require.NoError(t, h.db.Create(persona).Error)

	chat, _, err := h.chat.CreateChat(context.Background(), testUser, models.CreateChatRequest{
		PersonaID:       persona.ID,
		UserPersonaName: "Kai",
		Scenario:        "A stormy night.",
	})
	require.NoError(t, err)
	return chat
}

// seed writes n alternating messages below parent and returns them.
func (h *harness) seed(t *testing.T, chatID string, parent *string, n int) []*models.Message {
	t.Helper()
	var out []*models.Message
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		at := h.tick()
		m := &models.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			ParentID:  parent,
			Role:      role,
			Parts:     models.TextParts(fmt.Sprintf("seed %d", i+1)),
			CreatedAt: at,
			UpdatedAt: at,
		}
		m.SetMeta(models.MessageMetadata{})
		require.NoError(t, h.messages.CreateBatch(context.Background(), m))
		id := m.ID
		parent = &id
		out = append(out, m)
	}
	return out
}

func (h *harness) count(t *testing.T, chatID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.Message{}).Where("chat_id = ?", chatID).Count(&n).Error)
	return n
}

func ptr(s string) *string { return &s }

func text(s string) []models.Part {
	return []models.Part{{Type: models.PartText, Text: s}}
}
