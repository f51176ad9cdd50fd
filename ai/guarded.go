package ai

import (
	"context"
	"errors"
	"sort"
	"sync"

	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/resilience"
)

// GuardedProvider wraps a Provider with one circuit breaker per model and
// retries on a fallback model when the primary fails before producing
// any output.
type GuardedProvider struct {
	next     Provider
	fallback string
	log      *logger.Logger
	observe  func(model string, state resilience.State)

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// GuardOption configures a GuardedProvider
type GuardOption func(*GuardedProvider)

// WithBreakerObserver is told every time a model's breaker changes state.
func WithBreakerObserver(fn func(model string, state resilience.State)) GuardOption {
	return func(g *GuardedProvider) { g.observe = fn }
}

func NewGuardedProvider(next Provider, fallbackModel string, log *logger.Logger, opts ...GuardOption) *GuardedProvider {
	if log == nil {
		log = logger.GetGlobal()
	}
	g := &GuardedProvider{
		next:     next,
		fallback: fallbackModel,
		log:      log,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GuardedProvider) breaker(model string) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[model]
	if !ok {
		cfg := resilience.DefaultConfig("llm:" + model)
		if g.observe != nil {
			cfg.OnStateChange = func(_ string, _, to resilience.State) { g.observe(model, to) }
		}
		cb = resilience.NewCircuitBreaker(cfg, g.log)
		g.breakers[model] = cb
	}
	return cb
}

// Breakers reports every breaker created so far, keyed by model.
func (g *GuardedProvider) Breakers() map[string]resilience.Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]resilience.Stats, len(g.breakers))
	for model, cb := range g.breakers {
		out[model] = cb.Stats()
	}
	return out
}

// OpenModels lists the models whose breaker is currently open.
func (g *GuardedProvider) OpenModels() []string {
	var open []string
	for model, s := range g.Breakers() {
		if s.State == resilience.StateOpen {
			open = append(open, model)
		}
	}
	sort.Strings(open)
	return open
}

func (g *GuardedProvider) candidates(model string) []string {
	if g.fallback == "" || g.fallback == model {
		return []string{model}
	}
	return []string{model, g.fallback}
}

func (g *GuardedProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	var lastErr error
	for _, model := range g.candidates(req.Model) {
		r := req
		r.Model = model

		var out *Completion
		err := g.breaker(model).Execute(ctx, func(ctx context.Context) error {
			c, err := g.next.Complete(ctx, r)
			out = c
			return err
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.log.Warn("completion failed", "model", model, "error", err.Error())
	}
	return nil, lastErr
}

// Stream opens the stream and pulls the first delta under the breaker, so
// connection and auth failures surface here and can fall back.
func (g *GuardedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	var lastErr error
	for _, model := range g.candidates(req.Model) {
		r := req
		r.Model = model

		var out Stream
		err := g.breaker(model).Execute(ctx, func(ctx context.Context) error {
			s, err := g.next.Stream(ctx, r)
			if err != nil {
				return err
			}
			if s.Next() {
				out = &primedStream{Stream: s, pending: true}
				return nil
			}
			if err := s.Err(); err != nil {
				s.Close()
				return err
			}
			out = &primedStream{Stream: s, ended: true}
			return nil
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			break
		}
		g.log.Warn("stream failed before first token", "model", model, "error", err.Error())
	}
	return nil, lastErr
}

// primedStream replays a delta that was already pulled from the inner stream.
type primedStream struct {
	Stream
	pending bool
	ended   bool
}

func (p *primedStream) Next() bool {
	if p.pending {
		p.pending = false
		return true
	}
	if p.ended {
		return false
	}
	return p.Stream.Next()
}
