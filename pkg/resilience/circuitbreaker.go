package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"persona-chat/backend/pkg/logger"
)

// ErrCircuitOpen is returned without calling the protected function
var ErrCircuitOpen = errors.New("circuit open")

// State of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the thresholds of one breaker
type Config struct {
	Name string
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold uint
	// SuccessThreshold trial calls must succeed before a half-open breaker closes.
	SuccessThreshold uint
	RetryTimeout     time.Duration
	// OnStateChange runs with the lock held, keep it cheap.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits an LLM provider: a handful of errors trips it and
// trial calls resume after half a minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RetryTimeout:     30 * time.Second,
	}
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Requests    uint64    `json:"requests"`
	Failures    uint64    `json:"failures"`
	Rejected    uint64    `json:"rejected"`
	Opened      uint64    `json:"opened"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// CircuitBreaker stops calling a dependency that keeps failing
type CircuitBreaker struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    uint
	trials      uint
	nextAttempt time.Time
	stats       Stats
}

func NewCircuitBreaker(cfg Config, log *logger.Logger) *CircuitBreaker {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		log:   log.With("breaker", cfg.Name),
		now:   time.Now,
		state: StateClosed,
		stats: Stats{Name: cfg.Name},
	}
}

// Execute runs fn through the breaker. Cancellation of ctx by the caller is
// not counted as a failure of the protected dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.log.Warn("circuit breaker rejected request")
		return ErrCircuitOpen
	}

	start := cb.now()
	err := fn(ctx)

	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	default:
		cb.onFailure()
		cb.log.Warn("circuit breaker recorded failure",
			"error", err.Error(),
			"duration", cb.now().Sub(start).String(),
		)
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Requests++
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().After(cb.nextAttempt) {
			cb.transition(StateHalfOpen)
			return true
		}
	case StateHalfOpen:
		if cb.trials < cb.cfg.SuccessThreshold {
			return true
		}
	}
	cb.stats.Rejected++
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trials++
		if cb.trials >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Failures++
	cb.stats.LastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.trials = 0

	if to == StateOpen {
		cb.stats.Opened++
		cb.nextAttempt = cb.now().Add(cb.cfg.RetryTimeout)
		cb.log.Info("circuit breaker opened", "next_attempt", cb.nextAttempt.Format(time.RFC3339))
	} else {
		cb.log.Info("circuit breaker state changed", "from", string(from), "to", string(to))
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a copy of the counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.stats
	s.State = cb.state
	return s
}
