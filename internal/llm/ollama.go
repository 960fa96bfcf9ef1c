package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goonerstrike/belief-engine/internal/util"
)

// OllamaProvider implements Inferer and Embedder for Ollama local models
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
	config     Config
}

// Ollama API structures
type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"` // Max tokens
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaError struct {
	Error string `json:"error"`
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(config Config) (*OllamaProvider, error) {
	if config.Model == "" && config.EmbeddingModel == "" {
		return nil, fmt.Errorf("ollama model must be specified (e.g., llama3.1:8b, nomic-embed-text)")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Ollama can be slower for local models
		httpClient: util.NewHTTPClient(config.timeout(60*time.Second), config.HTTPProxy, config.HTTPSProxy),
		config:     config,
	}, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Infer generates a JSON-formatted completion
func (p *OllamaProvider) Infer(ctx context.Context, text, instructions string) (string, error) {
	if p.config.Model == "" {
		return "", &Error{Provider: p.Name(), Kind: KindInvalid, Err: fmt.Errorf("no inference model configured")}
	}

	req := ollamaRequest{
		Model:  p.config.Model,
		Prompt: text,
		Stream: false, // Get complete response at once
		System: instructions,
		Format: "json",
		Options: ollamaOptions{
			Temperature: p.config.Temperature,
			NumPredict:  p.config.maxTokens(),
		},
	}

	var resp ollamaResponse
	if err := postJSON(ctx, p.httpClient, p.Name(), p.baseURL+"/api/generate", nil, req, &resp, ollamaMessage); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

// Embed returns the embedding of text
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	model := p.config.EmbeddingModel
	if model == "" {
		model = p.config.Model
	}

	var resp ollamaEmbeddingResponse
	req := ollamaEmbeddingRequest{Model: model, Prompt: text}
	if err := postJSON(ctx, p.httpClient, p.Name(), p.baseURL+"/api/embeddings", nil, req, &resp, ollamaMessage); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, Malformed(p.Name(), fmt.Errorf("empty embedding"))
	}
	return resp.Embedding, nil
}

func ollamaMessage(body []byte) string {
	var apiErr ollamaError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return ""
	}
	return apiErr.Error
}
