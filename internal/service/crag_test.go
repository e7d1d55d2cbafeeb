package service

import (
	"context"
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

func TestCRAGGrade(t *testing.T) {
	llm := &mockLLM{CompleteFn: func(prompt string, opts llmclient.Options) (*llmclient.Completion, error) {
		if opts.Schema == nil || opts.Schema.Name != "crag_evaluation" {
			t.Error("grading must request the strict schema")
		}
		return jsonCompletion(`{"confidence":"ambiguous","action":"refine_documents","reasoning":"partial match",
			"relevance_scores":[{"doc_index":1,"score":0.9},{"doc_index":2,"score":0.1}]}`), nil
	}}
	g := NewCRAGGrader(llm, "grader")

	eval, err := g.Grade(context.Background(), "q", []model.Reference{
		makeRef("d1", "relevant", 2), makeRef("d2", "junk", 1),
	}, "s1")
	if err != nil {
		t.Fatalf("Grade() error: %v", err)
	}
	if eval.Confidence != model.CRAGAmbiguous || eval.Action != model.CRAGRefineDocuments {
		t.Errorf("eval = %+v", eval)
	}
	if len(eval.RelevanceScores) != 2 {
		t.Errorf("scores = %d", len(eval.RelevanceScores))
	}
}

func TestCRAGGrade_EmptyOutputIsError(t *testing.T) {
	llm := &mockLLM{CompleteFn: func(prompt string, opts llmclient.Options) (*llmclient.Completion, error) {
		return jsonCompletion("  "), nil
	}}
	if _, err := NewCRAGGrader(llm, "grader").Grade(context.Background(), "q", nil, "s1"); err == nil {
		t.Fatal("empty payload must not be parsed as JSON")
	}
}

func TestRefine(t *testing.T) {
	refs := []model.Reference{
		makeRef("keep", "long full content here", 2),
		makeRef("drop", "irrelevant", 1),
		makeRef("ungraded", "no score given", 1),
	}
	eval := &model.CRAGEvaluation{
		Confidence: model.CRAGAmbiguous,
		Action:     model.CRAGRefineDocuments,
		RelevanceScores: []model.CRAGDocScore{
			{DocIndex: 1, Score: 0.9, RelevantSentences: []string{"Sentence one.", "Sentence two."}},
			{DocIndex: 2, Score: 0.1},
		},
	}

	refined := Refine(eval, refs)

	if len(refined) != 2 {
		t.Fatalf("refined = %d refs, want 2 (low score dropped, ungraded kept)", len(refined))
	}
	if refined[0].ID != "keep" || refined[1].ID != "ungraded" {
		t.Errorf("ids = %s, %s", refined[0].ID, refined[1].ID)
	}
	if refined[0].Content != "Sentence one. Sentence two." {
		t.Errorf("relevant sentences must replace content, got %q", refined[0].Content)
	}
	if flagged, _ := refined[0].Metadata["cragRefined"].(bool); !flagged {
		t.Error("substituted reference must be flagged")
	}
}

func TestRefine_NoScoresIsNoop(t *testing.T) {
	refs := []model.Reference{makeRef("a", "x", 1)}
	eval := &model.CRAGEvaluation{Confidence: model.CRAGAmbiguous}
	if got := Refine(eval, refs); len(got) != 1 {
		t.Error("no scores must keep everything")
	}
}
