package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Provider issues a single completion request against one upstream API.
// Implementations do not retry; the gateway owns the retry/fallback loop.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
}

// ProviderRequest is the envelope handed to a provider implementation.
type ProviderRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
}

// ProviderResponse carries the completion and the usage the provider billed.
type ProviderResponse struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// ProviderSet resolves registry provider names to live clients.
type ProviderSet interface {
	Get(name string) (Provider, error)
}

// EnvProviderSet builds clients lazily from environment API keys:
// OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY. Safe for concurrent
// use; concurrent steps resolve providers while calls are in flight.
type EnvProviderSet struct {
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[string]Provider
}

// NewEnvProviderSet creates a provider set backed by env credentials.
func NewEnvProviderSet(logger *zap.Logger) *EnvProviderSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnvProviderSet{
		logger:  logger,
		clients: make(map[string]Provider),
	}
}

// Get returns the client for a provider name, constructing it on first use.
func (s *EnvProviderSet) Get(name string) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[name]; ok {
		return c, nil
	}

	var (
		c   Provider
		err error
	)
	switch name {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("provider %q: OPENAI_API_KEY not set", name)
		}
		c = NewOpenAIClient(DefaultOpenAIConfig(key))
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("provider %q: ANTHROPIC_API_KEY not set", name)
		}
		c = NewAnthropicClient(DefaultAnthropicConfig(key))
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("provider %q: GEMINI_API_KEY not set", name)
		}
		c, err = NewGeminiClient(context.Background(), key)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	s.logger.Info("provider client initialised", zap.String("provider", name))
	s.clients[name] = c
	return c, nil
}

// StaticProviderSet serves a fixed provider map. Used by tests and by
// callers that construct clients explicitly.
type StaticProviderSet map[string]Provider

func (s StaticProviderSet) Get(name string) (Provider, error) {
	if c, ok := s[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
