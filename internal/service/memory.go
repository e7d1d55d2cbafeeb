package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

var summarySchema = llmclient.JSONSchema{
	Name: "conversation_summary",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"bullets": {"type": "array", "items": {"type": "string"}, "maxItems": 5}
		},
		"required": ["bullets"],
		"additionalProperties": false
	}`),
	Strict: true,
}

// MemoryUpdater maintains the session's rolling summary bullets.
type MemoryUpdater struct {
	llm      LLM
	embedder Embedder
	model    string
	interval int
}

// NewMemoryUpdater creates a MemoryUpdater summarizing every interval
// turns.
func NewMemoryUpdater(llm LLM, embedder Embedder, summarizerModel string, interval int) *MemoryUpdater {
	if interval <= 0 {
		interval = 4
	}
	return &MemoryUpdater{llm: llm, embedder: embedder, model: summarizerModel, interval: interval}
}

// Update summarizes the un-summarized span of the conversation when the
// interval has elapsed, mutating the state in place. Failures leave the
// state untouched; memory is never worth failing a turn over.
func (m *MemoryUpdater) Update(ctx context.Context, state *model.SessionState, features model.FeatureSet) {
	turns := len(state.Messages) / 2
	if turns-state.LastMemoryTurn < m.interval {
		return
	}

	start := state.LastMemoryTurn * 2
	if start >= len(state.Messages) {
		return
	}
	span := state.Messages[start:]

	var sb strings.Builder
	sb.WriteString("Summarize the following conversation span into at most 5 short bullets ")
	sb.WriteString("capturing facts, decisions, and open threads worth remembering:\n\n")
	for _, msg := range span {
		sb.WriteString(msg.Role + ": " + msg.Content + "\n")
	}

	completion, err := m.llm.Complete(ctx, sb.String(), llmclient.Options{
		Model:           m.model,
		MaxOutputTokens: 512,
		Schema:          &summarySchema,
		User:            state.SessionID,
	})
	if err != nil || strings.TrimSpace(completion.Text) == "" {
		slog.Warn("memory summarization failed", "session_id", state.SessionID, "error", err)
		return
	}

	var parsed struct {
		Bullets []string `json:"bullets"`
	}
	if err := json.Unmarshal([]byte(completion.Text), &parsed); err != nil || len(parsed.Bullets) == 0 {
		slog.Warn("memory summary unparseable", "session_id", state.SessionID, "error", err)
		return
	}

	bullets := DedupeBullets(parsed.Bullets)

	var embeddings [][]float32
	if features.Enabled(model.FeatureSemanticSummary) || features.Enabled(model.FeatureSemanticMemory) {
		embeddings, err = m.embedder.Embed(ctx, bullets)
		if err != nil {
			slog.Warn("bullet embedding failed, storing without embeddings", "error", err)
			embeddings = nil
		}
	}

	existing := make(map[string]bool, len(state.SummaryBullets))
	for _, b := range state.SummaryBullets {
		existing[b.Text] = true
	}
	for i, text := range bullets {
		if existing[text] {
			continue
		}
		bullet := model.SummaryBullet{Text: text}
		if embeddings != nil && i < len(embeddings) {
			bullet.Embedding = embeddings[i]
		}
		state.SummaryBullets = append(state.SummaryBullets, bullet)
	}
	state.LastMemoryTurn = turns
}

// DedupeBullets removes exact duplicates preserving order. Idempotent:
// deduping a deduped list is a no-op.
func DedupeBullets(bullets []string) []string {
	seen := make(map[string]bool, len(bullets))
	out := make([]string, 0, len(bullets))
	for _, b := range bullets {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
