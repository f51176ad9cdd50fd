package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Common errors
var (
	ErrSecretNotFound = errors.New("secret not found")
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvManager reads secrets from environment variables only
type EnvManager struct{}

func (EnvManager) GetSecret(_ context.Context, key string) (string, error) {
	value := os.Getenv(envKey(key))
	if value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// envKey maps "llm.api-key" to "LLM_API_KEY"
func envKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// GetWithDefault returns the secret or def when it cannot be read.
func GetWithDefault(ctx context.Context, m Manager, key, def string) string {
	value, err := m.GetSecret(ctx, key)
	if err != nil || value == "" {
		return def
	}
	return value
}
