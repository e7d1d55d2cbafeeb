package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/searchclient"
	"github.com/connexus-ai/atlas-backend/internal/webclient"
)

// recordedCall captures one Complete invocation.
type recordedCall struct {
	Prompt string
	Opts   llmclient.Options
}

// mockLLM scripts the LLM interface. CompleteFn/StreamFn/EmbedFn may be
// nil for sensible defaults.
type mockLLM struct {
	mu         sync.Mutex
	CompleteFn func(prompt string, opts llmclient.Options) (*llmclient.Completion, error)
	StreamFn   func(prompt string, opts llmclient.Options) (LLMStream, error)
	EmbedFn    func(texts []string) ([][]float32, error)
	Calls      []recordedCall
}

func (m *mockLLM) Complete(ctx context.Context, prompt string, opts llmclient.Options) (*llmclient.Completion, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, recordedCall{Prompt: prompt, Opts: opts})
	m.mu.Unlock()
	if m.CompleteFn != nil {
		return m.CompleteFn(prompt, opts)
	}
	return &llmclient.Completion{Text: "mock completion"}, nil
}

func (m *mockLLM) CompleteStream(ctx context.Context, prompt string, opts llmclient.Options) (LLMStream, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, recordedCall{Prompt: prompt, Opts: opts})
	m.mu.Unlock()
	if m.StreamFn != nil {
		return m.StreamFn(prompt, opts)
	}
	return newMockStream(
		llmclient.StreamEvent{Type: llmclient.StreamDelta, Text: "mock"},
		llmclient.StreamEvent{Type: llmclient.StreamCompleted, Completion: &llmclient.Completion{Text: "mock"}},
	), nil
}

func (m *mockLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(texts)
	}
	// Deterministic per-text unit vectors.
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := sha256.Sum256([]byte(t))
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = float32(h[j]) / 255
		}
		out[i] = vec
	}
	return out, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// mockStream replays a fixed event sequence.
type mockStream struct {
	ch chan llmclient.StreamEvent
}

func newMockStream(events ...llmclient.StreamEvent) *mockStream {
	ch := make(chan llmclient.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &mockStream{ch: ch}
}

func (s *mockStream) Events() <-chan llmclient.StreamEvent { return s.ch }

// mockSearcher scripts the hybrid index.
type mockSearcher struct {
	mu        sync.Mutex
	HybridFn  func(query string, opts searchclient.HybridOptions) (*searchclient.SearchResult, error)
	VectorFn  func(query string, embedding []float32, opts searchclient.VectorOptions) (*searchclient.SearchResult, error)
	LazyFn    func(opts searchclient.LazyOptions) (*searchclient.LazyResult, error)
	HybridLog []searchclient.HybridOptions
}

func (m *mockSearcher) HybridSearch(ctx context.Context, sessionID, query string, opts searchclient.HybridOptions) (*searchclient.SearchResult, error) {
	m.mu.Lock()
	m.HybridLog = append(m.HybridLog, opts)
	m.mu.Unlock()
	if m.HybridFn != nil {
		return m.HybridFn(query, opts)
	}
	return &searchclient.SearchResult{References: nil}, nil
}

func (m *mockSearcher) VectorSearch(ctx context.Context, query string, embedding []float32, opts searchclient.VectorOptions) (*searchclient.SearchResult, error) {
	if m.VectorFn != nil {
		return m.VectorFn(query, embedding, opts)
	}
	return &searchclient.SearchResult{}, nil
}

func (m *mockSearcher) LazyHybridSearch(ctx context.Context, sessionID string, opts searchclient.LazyOptions) (*searchclient.LazyResult, error) {
	if m.LazyFn != nil {
		return m.LazyFn(opts)
	}
	return &searchclient.LazyResult{}, nil
}

// mockWeb scripts the web gateway.
type mockWeb struct {
	mu       sync.Mutex
	SearchFn func(query string, opts webclient.Options) (*webclient.Result, error)
	Queries  []string
}

func (m *mockWeb) Search(ctx context.Context, query string, opts webclient.Options) (*webclient.Result, error) {
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()
	if m.SearchFn != nil {
		return m.SearchFn(query, opts)
	}
	return &webclient.Result{Results: []model.WebResult{}}, nil
}

func (m *mockWeb) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Queries)
}

// eventLog captures emitted events in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (l *eventLog) emit(event string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.data = append(l.data, data)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) firstData(event string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return l.data[i]
		}
	}
	return nil
}

func makeRef(id, content string, score float64) model.Reference {
	return model.Reference{ID: id, Title: "Title " + id, Content: content, Score: score}
}

func jsonCompletion(format string, args ...any) *llmclient.Completion {
	return &llmclient.Completion{Text: fmt.Sprintf(format, args...)}
}
