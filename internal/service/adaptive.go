package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

var reformulateSchema = llmclient.JSONSchema{
	Name: "query_reformulation",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`),
	Strict: true,
}

// AdaptiveConfig bounds the reformulation loop.
type AdaptiveConfig struct {
	MinCoverage       float64
	MinDiversity      float64
	MaxReformulations int
}

// AdaptiveRetriever computes retrieval quality and reformulates queries
// when quality falls below the thresholds.
type AdaptiveRetriever struct {
	llm      LLM
	embedder Embedder
	model    string
	cfg      AdaptiveConfig
}

// NewAdaptiveRetriever creates an AdaptiveRetriever.
func NewAdaptiveRetriever(llm LLM, embedder Embedder, reformulatorModel string, cfg AdaptiveConfig) *AdaptiveRetriever {
	if cfg.MaxReformulations <= 0 {
		cfg.MaxReformulations = 3
	}
	return &AdaptiveRetriever{llm: llm, embedder: embedder, model: reformulatorModel, cfg: cfg}
}

// Config returns the loop bounds.
func (a *AdaptiveRetriever) Config() AdaptiveConfig { return a.cfg }

// Quality computes the {coverage, diversity, authority, freshness}
// vector for a retrieval set. coverage comes from the gateway when
// reported; diversity is 1 − mean pairwise cosine similarity between
// reference embeddings.
func (a *AdaptiveRetriever) Quality(ctx context.Context, refs []model.Reference, coverage *float64) model.QualityVector {
	q := model.QualityVector{}

	if coverage != nil {
		q.Coverage = clamp01(*coverage)
	} else if len(refs) > 0 {
		// Without a gateway figure, treat the document yield itself as
		// a weak coverage proxy.
		q.Coverage = clamp01(float64(len(refs)) / 5.0)
	}

	if len(refs) >= 2 {
		texts := make([]string, len(refs))
		for i, r := range refs {
			texts[i] = snippetOf(r.DisplayText(), 512)
		}
		if vecs, err := a.embedder.Embed(ctx, texts); err == nil && len(vecs) == len(texts) {
			q.Diversity = clamp01(1 - meanPairwiseSimilarity(vecs))
		}
	} else if len(refs) == 1 {
		q.Diversity = 0
	}

	q.Authority = meanAuthority(refs)
	q.Freshness = meanFreshness(refs)
	return q
}

// TriggerReason reports which thresholds the quality vector violates:
// "coverage", "diversity", "both", or "" when none. Values exactly at a
// threshold do not trigger.
func (a *AdaptiveRetriever) TriggerReason(q model.QualityVector) string {
	low := q.Coverage < a.cfg.MinCoverage
	lowDiv := q.Diversity < a.cfg.MinDiversity
	switch {
	case low && lowDiv:
		return "both"
	case low:
		return "coverage"
	case lowDiv:
		return "diversity"
	}
	return ""
}

// Reformulate asks the model for a single improved query.
func (a *AdaptiveRetriever) Reformulate(ctx context.Context, question, lastQuery string, q model.QualityVector, sessionID string) (string, error) {
	prompt := "Retrieval for this question returned weak results " +
		"(coverage " + formatPct(q.Coverage) + ", diversity " + formatPct(q.Diversity) + ").\n" +
		"Rewrite the search query once to surface better documents. " +
		"Add qualifiers, synonyms, or source hints as needed.\n\n" +
		"Question: " + question + "\n" +
		"Last query: " + lastQuery

	completion, err := a.llm.Complete(ctx, prompt, llmclient.Options{
		Model:           a.model,
		MaxOutputTokens: 128,
		Schema:          &reformulateSchema,
		User:            sessionID,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(completion.Text) == "" {
		return "", apperr.New(apperr.KindParse, "reformulator returned empty output")
	}

	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(completion.Text), &parsed); err != nil {
		return "", apperr.Wrap(apperr.KindParse, "reformulation unparseable", err)
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return "", apperr.New(apperr.KindParse, "reformulation is empty")
	}
	return parsed.Query, nil
}

func meanAuthority(refs []model.Reference) float64 {
	if len(refs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range refs {
		if r.URL != "" {
			sum += DomainAuthority(r.URL)
		} else {
			// In-corpus chunks are curated; treat as authoritative.
			sum += 0.8
		}
	}
	return clamp01(sum / float64(len(refs)))
}

// meanFreshness decays reference age when the metadata carries a
// fetchedAt timestamp; references without one count as neutral.
func meanFreshness(refs []model.Reference) float64 {
	if len(refs) == 0 {
		return 0
	}
	now := time.Now().UTC()
	var sum float64
	for _, r := range refs {
		fetched, ok := r.Metadata["fetchedAt"].(time.Time)
		if !ok {
			sum += 0.5
			continue
		}
		ageDays := now.Sub(fetched).Hours() / 24
		switch {
		case ageDays <= 7:
			sum += 1.0
		case ageDays >= 365:
			// stale
		default:
			sum += 1.0 - (ageDays-7)/(365-7)
		}
	}
	return clamp01(sum / float64(len(refs)))
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
