package service

import (
	"context"
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

func testAdaptive(llm *mockLLM) *AdaptiveRetriever {
	return NewAdaptiveRetriever(llm, llm, "grader-model", AdaptiveConfig{
		MinCoverage:       0.4,
		MinDiversity:      0.3,
		MaxReformulations: 3,
	})
}

func TestTriggerReason(t *testing.T) {
	a := testAdaptive(&mockLLM{})
	tests := []struct {
		name string
		q    model.QualityVector
		want string
	}{
		{"both low", model.QualityVector{Coverage: 0.2, Diversity: 0.25}, "both"},
		{"coverage low", model.QualityVector{Coverage: 0.1, Diversity: 0.9}, "coverage"},
		{"diversity low", model.QualityVector{Coverage: 0.9, Diversity: 0.1}, "diversity"},
		{"both fine", model.QualityVector{Coverage: 0.9, Diversity: 0.9}, ""},
		// Exactly at threshold is NOT low.
		{"coverage at threshold", model.QualityVector{Coverage: 0.4, Diversity: 0.9}, ""},
		{"diversity at threshold", model.QualityVector{Coverage: 0.9, Diversity: 0.3}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.TriggerReason(tt.q); got != tt.want {
				t.Errorf("TriggerReason(%+v) = %q, want %q", tt.q, got, tt.want)
			}
		})
	}
}

func TestQuality_CoverageFromGateway(t *testing.T) {
	a := testAdaptive(&mockLLM{})
	coverage := 0.75
	q := a.Quality(context.Background(), []model.Reference{makeRef("d", "text", 1)}, &coverage)
	if q.Coverage != 0.75 {
		t.Errorf("coverage = %g, want gateway value", q.Coverage)
	}
}

func TestQuality_DiversityFromEmbeddings(t *testing.T) {
	// Identical embeddings → pairwise similarity 1 → diversity 0.
	same := &mockLLM{EmbedFn: func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0}
		}
		return out, nil
	}}
	a := testAdaptive(same)
	refs := []model.Reference{makeRef("a", "one", 1), makeRef("b", "two", 1)}

	q := a.Quality(context.Background(), refs, nil)
	if q.Diversity > 0.01 {
		t.Errorf("diversity = %g, want ~0 for identical refs", q.Diversity)
	}

	// Orthogonal embeddings → similarity 0 → diversity 1.
	ortho := &mockLLM{EmbedFn: func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			vec := make([]float32, len(texts))
			vec[i] = 1
			out[i] = vec
		}
		return out, nil
	}}
	q2 := testAdaptive(ortho).Quality(context.Background(), refs, nil)
	if q2.Diversity < 0.99 {
		t.Errorf("diversity = %g, want ~1 for orthogonal refs", q2.Diversity)
	}
}

func TestReformulate(t *testing.T) {
	llm := &mockLLM{CompleteFn: func(prompt string, opts llmclient.Options) (*llmclient.Completion, error) {
		if opts.Schema == nil || opts.Schema.Name != "query_reformulation" {
			t.Error("reformulation must request the strict schema")
		}
		return jsonCompletion(`{"query":"moon landing photos site:nasa.gov"}`), nil
	}}
	a := testAdaptive(llm)

	query, err := a.Reformulate(context.Background(), "moon landing photos", "moon landing photos",
		model.QualityVector{Coverage: 0.2, Diversity: 0.25}, "s1")
	if err != nil {
		t.Fatalf("Reformulate() error: %v", err)
	}
	if query != "moon landing photos site:nasa.gov" {
		t.Errorf("query = %q", query)
	}
}

func TestReformulate_EmptyOutputFails(t *testing.T) {
	llm := &mockLLM{CompleteFn: func(prompt string, opts llmclient.Options) (*llmclient.Completion, error) {
		return jsonCompletion(""), nil
	}}
	if _, err := testAdaptive(llm).Reformulate(context.Background(), "q", "q", model.QualityVector{}, "s1"); err == nil {
		t.Fatal("empty structured output must not parse as a query")
	}
}
