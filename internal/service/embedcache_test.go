package service

import (
	"context"
	"testing"
	"time"

	"github.com/connexus-ai/atlas-backend/internal/cache"
)

func TestCachedEmbedder_PartialBatch(t *testing.T) {
	upstream := 0
	inner := &mockLLM{EmbedFn: func(texts []string) ([][]float32, error) {
		upstream++
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = []float32{float32(len(text))}
		}
		return out, nil
	}}
	e := NewCachedEmbedder(inner, cache.NewEmbeddingCache(time.Minute))

	first, err := e.Embed(context.Background(), []string{"aa", "bbb"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if upstream != 1 {
		t.Fatalf("upstream calls = %d", upstream)
	}

	// Second batch overlaps: only the new text goes upstream.
	second, err := e.Embed(context.Background(), []string{"aa", "cccc"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if upstream != 2 {
		t.Errorf("upstream calls = %d, want 2", upstream)
	}
	if second[0][0] != first[0][0] {
		t.Error("cached vector must be reused")
	}
	if second[1][0] != 4 {
		t.Errorf("fresh vector = %v", second[1])
	}

	// Fully cached batch: no upstream call at all.
	if _, err := e.Embed(context.Background(), []string{"bbb", "cccc"}); err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if upstream != 2 {
		t.Errorf("upstream calls = %d, want 2 (fully cached)", upstream)
	}
}
