package service

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/connexus-ai/atlas-backend/internal/cache"
)

// TokenEstimator counts tokens with the model's tokenizer when one is
// available, falling back to a character heuristic. Estimations are
// memoized by content hash.
type TokenEstimator struct {
	enc   *tiktoken.Tiktoken
	cache *cache.TokenCountCache
}

// NewTokenEstimator builds an estimator for model. An unknown model gets
// the cl100k_base encoding; if that also fails, the character fallback
// serves every call.
func NewTokenEstimator(model string, counts *cache.TokenCountCache) *TokenEstimator {
	if counts == nil {
		counts = cache.NewTokenCountCache(0)
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, using character estimate", "model", model, "error", err)
			enc = nil
		}
	}
	return &TokenEstimator{enc: enc, cache: counts}
}

// Estimate returns the token count for text.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if n, ok := e.cache.Get(text); ok {
		return n
	}

	var n int
	if e.enc != nil {
		n = len(e.enc.Encode(text, nil, nil))
	} else {
		// ~4 characters per token, rounded up.
		n = (len(text) + 3) / 4
	}
	e.cache.Set(text, n)
	return n
}

// EstimateAll sums estimates over texts.
func (e *TokenEstimator) EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t)
	}
	return total
}
