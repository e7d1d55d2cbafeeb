package service

import (
	"strings"
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/cache"
)

func TestTokenEstimator_Basics(t *testing.T) {
	e := testEstimator()

	if got := e.Estimate(""); got != 0 {
		t.Errorf("Estimate(\"\") = %d, want 0", got)
	}

	text := strings.Repeat("word ", 100)
	n := e.Estimate(text)
	if n <= 0 {
		t.Fatalf("Estimate = %d, want positive", n)
	}

	// Cached: identical content returns the identical count.
	if again := e.Estimate(text); again != n {
		t.Errorf("cached estimate = %d, want %d", again, n)
	}
}

func TestTokenEstimator_EstimateAll(t *testing.T) {
	e := testEstimator()
	parts := []string{"alpha beta", "gamma delta epsilon"}
	total := e.EstimateAll(parts)
	if total != e.Estimate(parts[0])+e.Estimate(parts[1]) {
		t.Error("EstimateAll must equal the sum of parts")
	}
}

func TestTokenEstimator_CacheShared(t *testing.T) {
	counts := cache.NewTokenCountCache(10)
	e := NewTokenEstimator("another-unknown-model", counts)

	e.Estimate("some repeated content")
	if counts.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", counts.Len())
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors = %g, want 1", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %g, want 0", got)
	}
	if got := cosineSimilarity(nil, []float32{1}); got != 0 {
		t.Errorf("degenerate input = %g, want 0", got)
	}
	if got := cosineSimilarity([]float32{1, 2}, []float32{1}); got != 0 {
		t.Errorf("length mismatch = %g, want 0", got)
	}
}

func TestMeanPairwiseSimilarity(t *testing.T) {
	same := [][]float32{{1, 0}, {1, 0}, {1, 0}}
	if got := meanPairwiseSimilarity(same); got < 0.999 {
		t.Errorf("identical set = %g, want 1", got)
	}
	if got := meanPairwiseSimilarity([][]float32{{1, 0}}); got != 0 {
		t.Errorf("single vector = %g, want 0", got)
	}
}
