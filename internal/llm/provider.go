package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goonerstrike/belief-engine/internal/model"
)

// Inferer defines the inference oracle used for claim extraction
type Inferer interface {
	// Name returns the provider name
	Name() string

	// Infer runs the instructions against text and returns the raw model output
	Infer(ctx context.Context, text, instructions string) (string, error)
}

// Embedder defines the embedding oracle used for similarity
type Embedder interface {
	// Name returns the provider name
	Name() string

	// Embed returns the embedding vector for text
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "ollama"
	Provider string

	// EmbeddingProvider overrides Provider for embeddings
	EmbeddingProvider string

	// Model name for inference (provider-specific)
	Model string

	// EmbeddingModel name for embeddings (provider-specific)
	EmbeddingModel string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	// Timeout for API requests
	Timeout int // seconds

	// MaxTokens for response generation
	MaxTokens int

	Temperature float32

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
}

// ConfigFrom converts the oracle section of the engine configuration
func ConfigFrom(cfg model.OracleConfig) Config {
	return Config{
		Provider:          cfg.Provider,
		EmbeddingProvider: cfg.EmbeddingProvider,
		Model:             cfg.Model,
		EmbeddingModel:    cfg.EmbeddingModel,
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		HTTPProxy:         cfg.HTTPProxy,
		HTTPSProxy:        cfg.HTTPSProxy,
	}
}

func (c Config) timeout(fallback time.Duration) time.Duration {
	if c.Timeout <= 0 {
		return fallback
	}
	return time.Duration(c.Timeout) * time.Second
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return 1000
	}
	return c.MaxTokens
}

// Kind classifies an oracle failure
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindRateExceeded Kind = "rate_exceeded"
	KindServer       Kind = "server"
	KindMalformed    Kind = "malformed"
	KindInvalid      Kind = "invalid"
)

// Error is an oracle failure with a retry classification
type Error struct {
	Provider string
	Kind     Kind
	Status   int // HTTP status, 0 when unknown
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s error (%d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed when repeated
func (e *Error) Retryable() bool {
	return e.Kind != KindInvalid
}

// RateExceeded reports whether the provider rejected the call for rate reasons
func (e *Error) RateExceeded() bool {
	return e.Kind == KindRateExceeded
}

// Malformed wraps an unusable oracle response
func Malformed(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindMalformed, Err: err}
}

// IsKind reports whether err is an oracle error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// classify maps an HTTP status and transport error onto an oracle error
func classify(provider string, status int, err error) error {
	kind := KindInvalid
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindInvalid
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		kind = KindTimeout
	case status == 429:
		kind = KindRateExceeded
	case status >= 500:
		kind = KindServer
	case status == 0:
		// No response at all: connection refused, reset, DNS
		kind = KindServer
	case status == 408:
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Err: err}
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var t timeoutError
	return errors.As(err, &t) && t.Timeout()
}
