// Package service implements the orchestrator core: quality filtering,
// rank fusion, the retrieval dispatcher and its fallback ladder, context
// budgeting, planning, synthesis, the critic loop, and the per-turn
// session orchestrator.
package service

import (
	"context"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/searchclient"
	"github.com/connexus-ai/atlas-backend/internal/webclient"
)

// LLMStream is the receive side of a streaming completion.
type LLMStream interface {
	Events() <-chan llmclient.StreamEvent
}

// LLM abstracts the hosted model gateway for testability.
type LLM interface {
	Complete(ctx context.Context, prompt string, opts llmclient.Options) (*llmclient.Completion, error)
	CompleteStream(ctx context.Context, prompt string, opts llmclient.Options) (LLMStream, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is the subset of LLM the filters and budgeter need.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// KnowledgeSearcher abstracts the hosted hybrid index.
type KnowledgeSearcher interface {
	HybridSearch(ctx context.Context, sessionID, query string, opts searchclient.HybridOptions) (*searchclient.SearchResult, error)
	VectorSearch(ctx context.Context, query string, embedding []float32, opts searchclient.VectorOptions) (*searchclient.SearchResult, error)
	LazyHybridSearch(ctx context.Context, sessionID string, opts searchclient.LazyOptions) (*searchclient.LazyResult, error)
}

// LocalVectorSearcher is the pgvector fallback index used when the
// hosted index cannot serve the pure-vector ladder stage.
type LocalVectorSearcher interface {
	VectorSearch(ctx context.Context, embedding []float32, top int) ([]model.Reference, error)
}

// WebSearcher abstracts the external keyword search gateway.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts webclient.Options) (*webclient.Result, error)
}

// AcademicSearcher abstracts the structured-paper sources.
type AcademicSearcher interface {
	Search(ctx context.Context, query string, limit int) *webclient.AcademicResult
}

// llmAdapter lifts the concrete client onto the LLM interface.
type llmAdapter struct {
	*llmclient.Client
}

// WrapLLM adapts a concrete llmclient.Client to the service LLM
// interface.
func WrapLLM(c *llmclient.Client) LLM {
	return &llmAdapter{c}
}

func (a *llmAdapter) CompleteStream(ctx context.Context, prompt string, opts llmclient.Options) (LLMStream, error) {
	return a.Client.CompleteStream(ctx, prompt, opts)
}
