package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/goonerstrike/belief-engine/internal/llm"
	"github.com/goonerstrike/belief-engine/internal/logging"
)

// Embedder caches vectors from an embedding oracle.
// Oracle failures are never cached.
type Embedder struct {
	next  llm.Embedder
	model string
	cache Cache

	hits   atomic.Int64
	misses atomic.Int64
}

// NewEmbedder wraps next; model scopes the cache keys
func NewEmbedder(next llm.Embedder, model string, c Cache) *Embedder {
	return &Embedder{next: next, model: model, cache: c}
}

// Name returns the wrapped provider name
func (e *Embedder) Name() string {
	return e.next.Name()
}

// Embed returns the cached vector for text or asks the oracle
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := EmbeddingKey(e.model, text)
	if data, ok := e.cache.Get(key); ok {
		var vec []float64
		if err := json.Unmarshal(data, &vec); err == nil && len(vec) > 0 {
			e.hits.Add(1)
			return vec, nil
		}
	}
	e.misses.Add(1)

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(vec)
	if err == nil {
		err = e.cache.Set(key, data, 0)
	}
	if err != nil {
		logging.Logger.Warn("Embedding cache write failed", "err", err)
	}
	return vec, nil
}

// Stats returns cache hits and misses since creation
func (e *Embedder) Stats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}
