package thread

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"persona-chat/backend/ai"
	"persona-chat/backend/internal/metrics"
	"persona-chat/backend/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var checkpointPrompt = template.Must(template.ParseFS(promptFS, "prompts/checkpoint.tmpl"))

// ErrSummarization wraps every summarizer failure
var ErrSummarization = errors.New("summarization failed")

// SummaryInput is the span to compress
type SummaryInput struct {
	// Messages since the last checkpoint, oldest first.
	Messages    []models.Message
	Previous    *models.Checkpoint
	UserName    string
	PersonaName string
	// Model is used when no dedicated summary model is configured.
	Model string
}

type promptVars struct {
	UserName    string
	PersonaName string
	Previous    string
	MaxWords    int
}

// Summarizer turns a span of messages into a checkpoint
type Summarizer struct {
	provider ai.Provider
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewSummarizer(provider ai.Provider, cfg Config, m *metrics.Metrics) *Summarizer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Summarizer{provider: provider, cfg: cfg, metrics: m, now: time.Now}
}

// Summarize produces a self-contained checkpoint. The previous checkpoint,
// if any, is folded in so the result replaces it.
func (s *Summarizer) Summarize(ctx context.Context, in SummaryInput) (*models.Checkpoint, error) {
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrSummarization)
	}

	if s.cfg.SummaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SummaryTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "thread.Summarize", trace.WithAttributes(
		attribute.Int("summary.messages", len(in.Messages)),
		attribute.Bool("summary.incremental", in.Previous != nil),
	))
	defer span.End()

	cp, err := s.summarize(ctx, in)
	if err != nil {
		s.metrics.Summaries.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarization failed")
		return nil, err
	}
	s.metrics.Summaries.WithLabelValues("success").Inc()
	return cp, nil
}

func (s *Summarizer) summarize(ctx context.Context, in SummaryInput) (*models.Checkpoint, error) {
	userName := nameOr(in.UserName, "User")
	personaName := nameOr(in.PersonaName, "Assistant")

	vars := promptVars{
		UserName:    userName,
		PersonaName: personaName,
		MaxWords:    s.cfg.SummaryMaxWords,
	}
	if in.Previous != nil {
		vars.Previous = in.Previous.Content
	}

	var instructions bytes.Buffer
	if err := checkpointPrompt.Execute(&instructions, vars); err != nil {
		return nil, fmt.Errorf("%w: rendering prompt: %v", ErrSummarization, err)
	}

	model := s.cfg.SummaryModel
	if model == "" {
		model = in.Model
	}

	out, err := s.provider.Complete(ctx, ai.Request{
		Model:       model,
		System:      instructions.String(),
		Messages:    []ai.ChatMessage{{Role: ai.RoleUser, Content: Transcript(in.Messages, userName, personaName)}},
		MaxTokens:   int64(s.cfg.SummaryMaxWords) * 4,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSummarization, err)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrSummarization)
	}
	if s.cfg.SummaryMaxWords > 0 {
		text = capWords(text, s.cfg.SummaryMaxWords*3/2)
	}

	covered := len(in.Messages)
	if in.Previous != nil {
		covered += in.Previous.CoveredMessages
	}

	return &models.Checkpoint{
		Content:         text,
		CreatedAt:       s.now().UTC(),
		CoveredMessages: covered,
		Model:           out.Model,
	}, nil
}

// Transcript renders messages as "Name: text" paragraphs.
func Transcript(messages []models.Message, userName, personaName string) string {
	var b strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			b.WriteString(userName)
		case models.RoleAssistant:
			b.WriteString(personaName)
		default:
			b.WriteString("System")
		}
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// capWords keeps the first n words of text, preserving line breaks.
func capWords(text string, n int) string {
	count := 0
	inWord := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			count++
			if count > n {
				return strings.TrimSpace(text[:i])
			}
		}
		inWord = !space
	}
	return text
}

func nameOr(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}
