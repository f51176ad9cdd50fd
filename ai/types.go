package ai

import "context"

// Role of a prompt message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of the prompt history
type ChatMessage struct {
	Role    Role
	Content string
}

// Request describes a single completion call. When the last message has the
// assistant role the provider continues that message instead of starting a
// new one.
type Request struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int64
	Temperature float64
}

// Usage is the token accounting reported by the provider
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Completion is the result of a non-streaming call
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Stream yields text deltas. Callers loop on Next, read Delta, then check Err.
// Usage and Model are final once Next has returned false.
type Stream interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
	Usage() Usage
	Model() string
}

// Provider is an LLM backend
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}
