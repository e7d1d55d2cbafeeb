package service

import (
	"context"

	"github.com/connexus-ai/atlas-backend/internal/cache"
)

// CachedEmbedder memoizes per-text embeddings around an inner Embedder.
// Batched calls embed only the texts the cache misses and reassemble the
// batch in order, so repeated quality/budgeting passes over the same
// content cost one upstream call.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.EmbeddingCache
}

// NewCachedEmbedder wraps inner with the embedding cache.
func NewCachedEmbedder(inner Embedder, c *cache.EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: c}
}

// Embed implements Embedder.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := e.cache.Get(cache.EmbeddingKey(text)); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := e.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, idx := range missingIdx {
		out[idx] = fresh[j]
		e.cache.Set(cache.EmbeddingKey(missing[j]), fresh[j])
	}
	return out, nil
}
