package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

var planSchema = llmclient.JSONSchema{
	Name: "retrieval_plan",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"steps": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"action": {"type": "string", "enum": ["vector_search", "web_search", "both", "none"]},
						"query": {"type": "string"},
						"k": {"type": "integer"}
					},
					"required": ["action"],
					"additionalProperties": false
				}
			}
		},
		"required": ["confidence", "steps"],
		"additionalProperties": false
	}`),
	Strict: true,
}

var decomposeSchema = llmclient.JSONSchema{
	Name: "query_decomposition",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"sub_queries": {
				"type": "array",
				"items": {"type": "string"},
				"maxItems": 3
			}
		},
		"required": ["sub_queries"],
		"additionalProperties": false
	}`),
	Strict: true,
}

// Planner produces the per-turn retrieval plan.
type Planner struct {
	llm   LLM
	model string
}

// NewPlanner creates a Planner.
func NewPlanner(llm LLM, plannerModel string) *Planner {
	return &Planner{llm: llm, model: plannerModel}
}

// defaultPlan is used whenever planning fails: one in-corpus search at
// middling confidence.
func defaultPlan() *model.PlanSummary {
	return &model.PlanSummary{
		Confidence: 0.5,
		Steps:      []model.PlanStep{{Action: model.ActionVectorSearch}},
	}
}

// Plan asks the model for a retrieval plan. Invalid or failed output
// degrades to the default single vector_search step.
func (p *Planner) Plan(ctx context.Context, question string, intent model.IntentResult, sessionID string) *model.PlanSummary {
	prompt := fmt.Sprintf(`Plan retrieval for answering a user question.
Decide which tools to call and how confident you are that the plan suffices.
Actions: vector_search (knowledge base), web_search (live web), both, none.

Intent: %s (confidence %.2f)
Question: %s`, intent.Intent, intent.Confidence, question)

	completion, err := p.llm.Complete(ctx, prompt, llmclient.Options{
		Model:           p.model,
		MaxOutputTokens: 512,
		Schema:          &planSchema,
		User:            sessionID,
	})
	if err != nil || strings.TrimSpace(completion.Text) == "" {
		slog.Warn("planning failed, using default plan", "error", err)
		return defaultPlan()
	}

	var plan model.PlanSummary
	if err := json.Unmarshal([]byte(completion.Text), &plan); err != nil {
		slog.Warn("plan unparseable, using default plan", "error", err)
		return defaultPlan()
	}
	if plan.Confidence < 0 || plan.Confidence > 1 {
		return defaultPlan()
	}
	for _, step := range plan.Steps {
		switch step.Action {
		case model.ActionVectorSearch, model.ActionWebSearch, model.ActionBoth, model.ActionNone:
		default:
			return defaultPlan()
		}
	}
	return &plan
}

// Decompose splits a multi-part question into at most three sub-queries.
// Failures return the original question alone.
func (p *Planner) Decompose(ctx context.Context, question, sessionID string) []string {
	prompt := fmt.Sprintf(`Split this question into independent sub-queries for retrieval.
Return at most 3. If the question is already atomic, return it unchanged.

Question: %s`, question)

	completion, err := p.llm.Complete(ctx, prompt, llmclient.Options{
		Model:           p.model,
		MaxOutputTokens: 256,
		Schema:          &decomposeSchema,
		User:            sessionID,
	})
	if err != nil || strings.TrimSpace(completion.Text) == "" {
		return []string{question}
	}

	var parsed struct {
		SubQueries []string `json:"sub_queries"`
	}
	if err := json.Unmarshal([]byte(completion.Text), &parsed); err != nil || len(parsed.SubQueries) == 0 {
		return []string{question}
	}
	if len(parsed.SubQueries) > 3 {
		parsed.SubQueries = parsed.SubQueries[:3]
	}
	return parsed.SubQueries
}
