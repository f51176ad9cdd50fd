package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"persona-chat/backend/ai"
	"persona-chat/backend/internal/jobs"
	"persona-chat/backend/internal/leafcache"
	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/repository"
	"persona-chat/backend/internal/thread"
	"persona-chat/backend/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("persona-chat/backend/internal/service")
	meter  = otel.Meter("persona-chat/backend/internal/service")
)

// TurnRequest asks for one new assistant reply. It doubles as the request
// body of the chat endpoint; ChatID and UserID come from the route.
type TurnRequest struct {
	ChatID string `json:"-"`
	UserID string `json:"-"`
	// ParentID is the message the new user message replies to. Nil means
	// the active leaf unless AsRoot is set.
	ParentID *string       `json:"parentId"`
	AsRoot   bool          `json:"asRoot"`
	Parts    []models.Part `json:"parts"`
	// Regenerate answers ParentID again instead of adding a user message.
	Regenerate       bool   `json:"regenerate"`
	RegeneratedForID string `json:"regeneratedForId"`
	Model            string `json:"model"`
}

// ContinueRequest asks to extend an assistant message in place
type ContinueRequest struct {
	ChatID string `json:"-"`
	UserID string `json:"-"`
	// MessageID defaults to the active leaf.
	MessageID *string `json:"messageId"`
	Model     string  `json:"model"`
}

// GenerationConfig holds the knobs of the orchestrator
type GenerationConfig struct {
	DefaultModel        string
	MaxTokens           int64
	Temperature         float64
	CheckpointThreshold int
	GenerationTimeout   time.Duration
	PersistTimeout      time.Duration
	SceneImage          bool
}

// GenerationService runs chat turns end to end.
type GenerationService struct {
	chats         repository.ChatRepository
	personas      repository.PersonaRepository
	messages      repository.MessageRepository
	locator       *LeafLocator
	reconstructor *thread.Reconstructor
	summarizer    *thread.Summarizer
	provider      ai.Provider
	cache         *leafcache.Cache
	jobs          jobs.Dispatcher
	metrics       *metrics.Metrics
	cfg           GenerationConfig
	log           *logger.Logger

	turns metric.Int64Counter
	now   func() time.Time
	newID func() string
}

// GenerationDeps groups the collaborators of GenerationService
type GenerationDeps struct {
	Chats         repository.ChatRepository
	Personas      repository.PersonaRepository
	Messages      repository.MessageRepository
	Locator       *LeafLocator
	Reconstructor *thread.Reconstructor
	Summarizer    *thread.Summarizer
	Provider      ai.Provider
	Cache         *leafcache.Cache
	Jobs          jobs.Dispatcher
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
}

func NewGenerationService(d GenerationDeps, cfg GenerationConfig) *GenerationService {
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Logger == nil {
		d.Logger = logger.GetGlobal()
	}
	if d.Jobs == nil {
		d.Jobs = jobs.NoopDispatcher{}
	}
	turns, err := meter.Int64Counter("persona_chat_turns",
		metric.WithDescription("Chat turns by kind and outcome."))
	if err != nil {
		d.Logger.LogError(err, "creating turn counter")
	}
	return &GenerationService{
		chats:         d.Chats,
		personas:      d.Personas,
		messages:      d.Messages,
		locator:       d.Locator,
		reconstructor: d.Reconstructor,
		summarizer:    d.Summarizer,
		provider:      d.Provider,
		cache:         d.Cache,
		jobs:          d.Jobs,
		metrics:       d.Metrics,
		cfg:           cfg,
		log:           d.Logger,
		turns:         turns,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

func (s *GenerationService) countTurn(ctx context.Context, kind string, err error) {
	if s.turns == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (s *GenerationService) loadChat(ctx context.Context, chatID, userID string) (*models.Chat, *models.Persona, error) {
	chat, err := s.chats.GetForUser(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrChatNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading chat: %w", err)
	}

	persona, err := s.personas.Get(ctx, chat.PersonaID)
	if err != nil {
		// a deleted persona card must not make the chat unusable
		logger.FromContext(ctx).Warn("persona unavailable, using a blank one",
			"chat_id", chat.ID, "persona_id", chat.PersonaID, "error", err.Error())
		persona = &models.Persona{ID: chat.PersonaID}
	}
	return chat, persona, nil
}

func (s *GenerationService) modelFor(requested string, chat *models.Chat) string {
	switch {
	case requested != "":
		return requested
	case chat.Model != "":
		return chat.Model
	}
	return s.cfg.DefaultModel
}

// parentFor returns the message the turn hangs below, nil for a root.
func (s *GenerationService) parentFor(ctx context.Context, req TurnRequest) (*models.Message, error) {
	if req.AsRoot {
		if req.ParentID != nil {
			return nil, validationError("parentId and asRoot are mutually exclusive")
		}
		return nil, nil
	}
	if req.ParentID != nil {
		m, err := s.messages.Get(ctx, req.ChatID, *req.ParentID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return m, err
	}
	return s.locator.Active(ctx, req.ChatID)
}

// GenerateTurn adds a user message (unless regenerating) and streams the
// assistant reply into sink. Both messages are written in one transaction
// after the stream completes, so a failed or aborted turn leaves no rows.
func (s *GenerationService) GenerateTurn(ctx context.Context, req TurnRequest, sink TurnSink) (result *TurnResult, err error) {
	ctx, span := tracer.Start(ctx, "service.GenerateTurn", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.Bool("turn.regenerate", req.Regenerate),
	))
	defer func() {
		kind := "reply"
		if req.Regenerate {
			kind = "regenerate"
		}
		s.countTurn(ctx, kind, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
		}
		span.End()
	}()

	chat, persona, err := s.loadChat(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).WithChatID(chat.ID)

	parent, err := s.parentFor(ctx, req)
	if err != nil {
		return nil, err
	}

	var pending *models.Message
	if req.Regenerate {
		if parent == nil || parent.Role != models.RoleUser {
			return nil, validationError("regenerate needs a user message as parent")
		}
	} else {
		if strings.TrimSpace(models.PartsText(models.EncodeParts(req.Parts), "")) == "" {
			return nil, validationError("message has no text")
		}
		pending = &models.Message{
			ID:        s.newID(),
			ChatID:    chat.ID,
			Role:      models.RoleUser,
			Parts:     models.EncodeParts(req.Parts),
			CreatedAt: models.NextTimestamp(parent, s.now()),
		}
		if parent != nil {
			pending.ParentID = &parent.ID
		}
		pending.UpdatedAt = pending.CreatedAt
		pending.SetMeta(models.MessageMetadata{})
	}
	if req.RegeneratedForID != "" {
		if err := s.checkRegeneratedFor(ctx, chat.ID, parent, req); err != nil {
			return nil, err
		}
	}

	var history []models.Message
	if parent != nil {
		history, err = s.reconstructor.Reconstruct(ctx, chat.ID, parent.ID, 0)
		if err != nil {
			return nil, err
		}
	}
	if pending != nil {
		history = append(history, *pending)
	}
	prompted := pending
	if prompted == nil {
		prompted = parent
	}

	sel := thread.SelectCheckpoint(history, s.cfg.CheckpointThreshold)
	system, err := BuildSystemPrompt(persona, chat, sel.Anchor)
	if err != nil {
		return nil, fmt.Errorf("rendering system prompt: %w", err)
	}

	model := s.modelFor(req.Model, chat)
	out, err := s.stream(ctx, ai.Request{
		Model:       model,
		System:      system,
		Messages:    History(sel.Window),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}, sink)
	if err != nil {
		log.Warn("generation failed", "model", model, "error", err.Error())
		return nil, err
	}

	// the stream is complete; from here on the turn is kept even if the
	// client goes away
	persistCtx := context.WithoutCancel(ctx)

	assistant := &models.Message{
		ID:        s.newID(),
		ChatID:    chat.ID,
		ParentID:  &prompted.ID,
		Role:      models.RoleAssistant,
		Parts:     models.TextParts(out.text),
		CreatedAt: models.NextTimestamp(prompted, s.now()),
	}
	assistant.UpdatedAt = assistant.CreatedAt
	usage := toUsage(out.usage)
	meta := models.MessageMetadata{
		Usage:            &usage,
		Model:            out.model,
		RegeneratedForID: req.RegeneratedForID,
	}
	if sel.NeedsSummary {
		covered := append(append([]models.Message(nil), sel.SinceLast(history)...), *assistant)
		meta.Checkpoint = s.checkpoint(persistCtx, thread.SummaryInput{
			Messages:    covered,
			Previous:    sel.LastCheckpoint(history),
			UserName:    userNameOf(chat),
			PersonaName: personaNameOf(persona),
			Model:       model,
		})
	}
	assistant.SetMeta(meta)

	rows := []*models.Message{assistant}
	if pending != nil {
		rows = []*models.Message{pending, assistant}
	}
	if err := s.persist(persistCtx, func(ctx context.Context) error {
		return s.messages.CreateBatch(ctx, rows...)
	}); err != nil {
		return nil, fmt.Errorf("saving turn: %w", err)
	}

	s.cache.Invalidate(persistCtx, chat.ID)
	s.dispatchSceneImage(persistCtx, chat, assistant)

	result = &TurnResult{UserMessage: pending, Message: assistant}
	if err := sink.Finish(result); err != nil {
		log.Info("client left before finish event", "message_id", assistant.ID)
	}
	log.Info("turn completed",
		"message_id", assistant.ID,
		"model", out.model,
		"checkpoint", meta.Checkpoint != nil,
		"completion_tokens", usage.CompletionTokens)
	return result, nil
}

// ContinueTurn extends an assistant message. The history ends with that
// message so the provider picks up where it stopped.
func (s *GenerationService) ContinueTurn(ctx context.Context, req ContinueRequest, sink TurnSink) (result *TurnResult, err error) {
	ctx, span := tracer.Start(ctx, "service.ContinueTurn", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
	))
	defer func() {
		s.countTurn(ctx, "continue", err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "continue failed")
		}
		span.End()
	}()

	chat, persona, err := s.loadChat(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).WithChatID(chat.ID)

	var target *models.Message
	if req.MessageID != nil {
		target, err = s.messages.Get(ctx, chat.ID, *req.MessageID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
	} else {
		target, err = s.locator.Active(ctx, chat.ID)
	}
	if err != nil {
		return nil, err
	}
	if target == nil || target.Role != models.RoleAssistant {
		return nil, validationError("only assistant messages can be continued")
	}

	history, err := s.reconstructor.Reconstruct(ctx, chat.ID, target.ID, 0)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrMessageNotFound
	}

	sel := thread.SelectCheckpoint(history, s.cfg.CheckpointThreshold)
	system, err := BuildSystemPrompt(persona, chat, sel.Anchor)
	if err != nil {
		return nil, fmt.Errorf("rendering system prompt: %w", err)
	}

	model := s.modelFor(req.Model, chat)
	out, err := s.stream(ctx, ai.Request{
		Model:       model,
		System:      system,
		Messages:    History(sel.Window),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}, sink)
	if err != nil {
		log.Warn("continuation failed", "model", model, "error", err.Error())
		return nil, err
	}

	persistCtx := context.WithoutCancel(ctx)

	updated := *target
	updated.Parts = models.AppendText(target.Parts, out.text)
	meta := target.Meta()
	var prev models.Usage
	if meta.Usage != nil {
		prev = *meta.Usage
	}
	usage := prev.Add(toUsage(out.usage))
	meta.Usage = &usage
	meta.Model = out.model
	updated.SetMeta(meta)
	updated.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

	if err := s.persist(persistCtx, func(ctx context.Context) error {
		return s.messages.UpdateContent(ctx, &updated)
	}); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("saving continuation: %w", err)
	}

	s.cache.Invalidate(persistCtx, chat.ID)

	result = &TurnResult{Message: &updated, Continued: true}
	if err := sink.Finish(result); err != nil {
		log.Info("client left before finish event", "message_id", updated.ID)
	}
	return result, nil
}

type streamed struct {
	text  string
	model string
	usage ai.Usage
}

// stream runs the completion under the generation timeout and forwards
// smoothed deltas to sink. Any failure, including an empty reply or a sink
// error, is an upstream generation error.
func (s *GenerationService) stream(ctx context.Context, req ai.Request, sink TurnSink) (out streamed, err error) {
	if s.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GenerationTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "service.stream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	start := s.now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
		}
		model := out.model
		if model == "" {
			model = req.Model
		}
		s.metrics.GenerationDuration.WithLabelValues(model, outcome).Observe(s.now().Sub(start).Seconds())
		span.End()
	}()

	st, err := s.provider.Stream(ctx, req)
	if err != nil {
		return out, upstreamError(err)
	}
	defer st.Close()

	var text strings.Builder
	smoother := NewWordSmoother(sink.Delta)
	for st.Next() {
		delta := st.Delta()
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if err := smoother.Write(delta); err != nil {
			return out, upstreamError(fmt.Errorf("client: %w", err))
		}
	}
	if err := st.Err(); err != nil {
		return out, upstreamError(err)
	}
	if err := ctx.Err(); err != nil {
		return out, upstreamError(err)
	}
	if err := smoother.Flush(); err != nil {
		return out, upstreamError(fmt.Errorf("client: %w", err))
	}

	out.text = text.String()
	out.model = st.Model()
	if out.model == "" {
		out.model = req.Model
	}
	out.usage = st.Usage()
	if strings.TrimSpace(out.text) == "" {
		return out, upstreamError(errors.New("empty completion"))
	}

	s.metrics.Tokens.WithLabelValues("prompt").Add(float64(out.usage.PromptTokens))
	s.metrics.Tokens.WithLabelValues("completion").Add(float64(out.usage.CompletionTokens))
	return out, nil
}

// checkRegeneratedFor requires the replaced reply to be an assistant child
// of the regenerated parent.
func (s *GenerationService) checkRegeneratedFor(ctx context.Context, chatID string, parent *models.Message, req TurnRequest) error {
	if !req.Regenerate {
		return validationError("regeneratedForId needs regenerate")
	}
	prior, err := s.messages.Get(ctx, chatID, req.RegeneratedForID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if prior.Role != models.RoleAssistant || prior.IsRoot() || *prior.ParentID != parent.ID {
		return validationError("regeneratedForId must be a reply to parentId")
	}
	return nil
}

// checkpoint runs the summarizer; a failure only costs the checkpoint.
func (s *GenerationService) checkpoint(ctx context.Context, in thread.SummaryInput) *models.Checkpoint {
	if s.summarizer == nil {
		return nil
	}
	cp, err := s.summarizer.Summarize(ctx, in)
	if err != nil {
		logger.FromContext(ctx).Warn("checkpoint skipped", "error", err.Error())
		return nil
	}
	return cp
}

func (s *GenerationService) persist(ctx context.Context, fn func(context.Context) error) error {
	if s.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PersistTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (s *GenerationService) dispatchSceneImage(ctx context.Context, chat *models.Chat, message *models.Message) {
	if !s.cfg.SceneImage {
		return
	}
	log := logger.FromContext(ctx)
	payload := jobs.SceneImagePayload{ChatID: chat.ID, MessageID: message.ID, UserID: chat.UserID}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := s.jobs.Dispatch(ctx, jobs.TypeSceneImage, payload); err != nil {
			log.Warn("scene image job not queued", "message_id", message.ID, "error", err.Error())
		}
	}()
}

func toUsage(u ai.Usage) models.Usage {
	return models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
