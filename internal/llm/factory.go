package llm

import (
	"fmt"
	"strings"
)

// NewInferer creates the inference provider named by config.Provider
func NewInferer(config Config) (Inferer, error) {
	switch strings.ToLower(config.Provider) {
	case "openai":
		return NewOpenAIProvider(config)

	case "anthropic", "claude":
		return NewAnthropicProvider(config)

	case "ollama":
		return NewOllamaProvider(config)

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: openai, anthropic, ollama)", config.Provider)
	}
}

// NewEmbedder creates the embedding provider, which defaults to config.Provider
func NewEmbedder(config Config) (Embedder, error) {
	provider := config.EmbeddingProvider
	if provider == "" {
		provider = config.Provider
	}

	switch strings.ToLower(provider) {
	case "openai":
		return NewOpenAIProvider(config)

	case "ollama":
		return NewOllamaProvider(config)

	case "anthropic", "claude":
		return nil, fmt.Errorf("anthropic has no embedding API; set oracle.embedding_provider to openai or ollama")

	default:
		return nil, fmt.Errorf("unknown embedding provider: %q (supported: openai, ollama)", provider)
	}
}
