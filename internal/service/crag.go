package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

var cragSchema = llmclient.JSONSchema{
	Name: "crag_evaluation",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"confidence": {"type": "string", "enum": ["correct", "ambiguous", "incorrect"]},
			"action": {"type": "string", "enum": ["use_documents", "refine_documents", "web_fallback"]},
			"reasoning": {"type": "string"},
			"relevance_scores": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"doc_index": {"type": "integer"},
						"score": {"type": "number"},
						"relevant_sentences": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["doc_index", "score"],
					"additionalProperties": false
				}
			}
		},
		"required": ["confidence", "action", "reasoning"],
		"additionalProperties": false
	}`),
	Strict: true,
}

// cragRefineThreshold drops documents scored below it during refinement.
const cragRefineThreshold = 0.4

// CRAGGrader self-grades a retrieval set before synthesis.
type CRAGGrader struct {
	llm   LLM
	model string
}

// NewCRAGGrader creates a grader.
func NewCRAGGrader(llm LLM, graderModel string) *CRAGGrader {
	return &CRAGGrader{llm: llm, model: graderModel}
}

// Grade evaluates whether the retrieved documents can answer the
// question.
func (g *CRAGGrader) Grade(ctx context.Context, question string, refs []model.Reference, sessionID string) (*model.CRAGEvaluation, error) {
	var sb strings.Builder
	sb.WriteString("Grade whether these retrieved documents can answer the question.\n")
	sb.WriteString("confidence: correct (they answer it), ambiguous (partially), incorrect (they do not).\n")
	sb.WriteString("action: use_documents, refine_documents, or web_fallback accordingly.\n")
	sb.WriteString("Score each document's relevance in relevance_scores (doc_index is 1-based).\n\n")
	sb.WriteString("Question: " + question + "\n\n")
	for i, ref := range refs {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, snippetOf(ref.DisplayText(), 600)))
	}

	completion, err := g.llm.Complete(ctx, sb.String(), llmclient.Options{
		Model:           g.model,
		MaxOutputTokens: 768,
		Schema:          &cragSchema,
		User:            sessionID,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(completion.Text) == "" {
		return nil, apperr.New(apperr.KindParse, "crag grader returned empty output")
	}

	var eval model.CRAGEvaluation
	if err := json.Unmarshal([]byte(completion.Text), &eval); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "crag evaluation unparseable", err)
	}
	return &eval, nil
}

// Refine applies an ambiguous verdict: references scored below the
// threshold are dropped, and scored references with relevant sentences
// have those substituted for the full content.
func Refine(eval *model.CRAGEvaluation, refs []model.Reference) []model.Reference {
	if len(eval.RelevanceScores) == 0 {
		return refs
	}

	scores := make(map[int]model.CRAGDocScore, len(eval.RelevanceScores))
	for _, s := range eval.RelevanceScores {
		scores[s.DocIndex] = s
	}

	refined := make([]model.Reference, 0, len(refs))
	for i, ref := range refs {
		score, graded := scores[i+1]
		if graded && score.Score < cragRefineThreshold {
			continue
		}
		if graded && len(score.RelevantSentences) > 0 {
			ref.Content = strings.Join(score.RelevantSentences, " ")
			ref.SetMeta("cragRefined", true)
		}
		refined = append(refined, ref)
	}
	return refined
}

func snippetOf(text string, n int) string {
	if len(text) > n {
		return text[:n] + "…"
	}
	return text
}
