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

// intentSchema is the strict structured output for classification.
var intentSchema = llmclient.JSONSchema{
	Name: "intent_classification",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"intent": {"type": "string", "enum": ["faq", "research", "factual", "conversational"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"reasoning": {"type": "string"}
		},
		"required": ["intent", "confidence", "reasoning"],
		"additionalProperties": false
	}`),
	Strict: true,
}

// Router classifies the turn's intent and maps it onto a static route.
type Router struct {
	llm    LLM
	model  string
	routes map[string]model.RouteConfig
}

// NewRouter creates a Router with the default route table.
func NewRouter(llm LLM, classifierModel, answerModel, lightModel string) *Router {
	return &Router{
		llm:   llm,
		model: classifierModel,
		routes: map[string]model.RouteConfig{
			model.IntentFAQ:            {Model: lightModel, RetrievalStrategy: "hybrid"},
			model.IntentFactual:        {Model: answerModel, RetrievalStrategy: "hybrid"},
			model.IntentResearch:       {Model: answerModel, RetrievalStrategy: "knowledge_agent"},
			model.IntentConversational: {Model: lightModel, RetrievalStrategy: "none"},
		},
	}
}

// Classify labels the question. Any failure falls back to research with
// low confidence — the widest retrieval route.
func (r *Router) Classify(ctx context.Context, question, sessionID string) model.IntentResult {
	prompt := fmt.Sprintf(`Classify the intent of this user question into exactly one of:
faq — a short question answerable from well-known documentation
factual — a specific fact lookup against the knowledge base
research — an open question needing broad retrieval or synthesis
conversational — chit-chat or a follow-up needing no retrieval

Question: %s`, question)

	completion, err := r.llm.Complete(ctx, prompt, llmclient.Options{
		Model:           r.model,
		MaxOutputTokens: 256,
		Schema:          &intentSchema,
		User:            sessionID,
	})
	if err != nil || strings.TrimSpace(completion.Text) == "" {
		slog.Warn("intent classification failed, defaulting to research", "error", err)
		return model.IntentResult{Intent: model.IntentResearch, Confidence: 0.3, Reasoning: "classifier_unavailable"}
	}

	var result model.IntentResult
	if err := json.Unmarshal([]byte(completion.Text), &result); err != nil || !model.ValidIntent(result.Intent) {
		slog.Warn("intent classification unparseable, defaulting to research", "error", err)
		return model.IntentResult{Intent: model.IntentResearch, Confidence: 0.3, Reasoning: "classifier_parse_failure"}
	}
	return result
}

// RouteFor resolves the static route for an intent, defaulting to the
// research route.
func (r *Router) RouteFor(intent string) model.RouteConfig {
	if route, ok := r.routes[intent]; ok {
		return route
	}
	return r.routes[model.IntentResearch]
}
