package service

import (
	"context"
	"log/slog"
	"sort"

	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

// BudgetConfig bounds the prompt context.
type BudgetConfig struct {
	// MaxMessageLength clamps each message before any budgeting.
	MaxMessageLength int
	// KeepTurns is how many latest turns stay verbatim.
	KeepTurns int
	// TopBullets is how many summary bullets are selected.
	TopBullets int
	// ModelInputLimit is the model's context window; sections must fit
	// in 90% of it.
	ModelInputLimit int
}

// BudgetResult is the compacted context for one turn.
type BudgetResult struct {
	History  []model.Message
	Summary  []string
	Salience []string
	Budget   model.ContextBudget
}

// Budgeter compacts session history into the per-section token budget.
type Budgeter struct {
	estimator *TokenEstimator
	embedder  Embedder
	cfg       BudgetConfig
}

// NewBudgeter creates a Budgeter.
func NewBudgeter(estimator *TokenEstimator, embedder Embedder, cfg BudgetConfig) *Budgeter {
	if cfg.KeepTurns <= 0 {
		cfg.KeepTurns = 6
	}
	if cfg.TopBullets <= 0 {
		cfg.TopBullets = 5
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 8000
	}
	if cfg.ModelInputLimit <= 0 {
		cfg.ModelInputLimit = 128000
	}
	return &Budgeter{estimator: estimator, embedder: embedder, cfg: cfg}
}

// Budget compacts the session for one turn. webTokens is the already-
// trimmed web context size, counted against the total; pass 0 when no
// web retrieval ran.
func (b *Budgeter) Budget(ctx context.Context, session *model.SessionState, question string, features model.FeatureSet, webTokens int, emit telemetry.Emitter) *BudgetResult {
	if emit == nil {
		emit = telemetry.NopEmitter
	}

	// Clamp every message first: one oversized message must not distort
	// the budget math downstream.
	messages := make([]model.Message, len(session.Messages))
	for i, m := range session.Messages {
		if len(m.Content) > b.cfg.MaxMessageLength {
			m.Content = m.Content[:b.cfg.MaxMessageLength]
		}
		messages[i] = m
	}

	keep := b.cfg.KeepTurns * 2
	var history []model.Message
	if len(messages) > keep {
		history = messages[len(messages)-keep:]
	} else {
		history = messages
	}

	summary, summaryMode := b.selectSummary(ctx, session.SummaryBullets, question, features, emit)

	salience := append([]string(nil), session.Salience...)

	result := &BudgetResult{
		History:  history,
		Summary:  summary,
		Salience: salience,
	}
	result.Budget = model.ContextBudget{
		HistoryTokens:  b.estimateMessages(history),
		SummaryTokens:  b.estimator.EstimateAll(summary),
		SalienceTokens: b.estimator.EstimateAll(salience),
		WebTokens:      webTokens,
		SummaryMode:    summaryMode,
	}

	b.enforceTotal(result)
	result.Budget.TotalTokens = result.Budget.HistoryTokens + result.Budget.SummaryTokens +
		result.Budget.SalienceTokens + result.Budget.WebTokens

	return result
}

// selectSummary picks bullets semantically when enabled, by recency
// otherwise or when embedding fails.
func (b *Budgeter) selectSummary(ctx context.Context, bullets []model.SummaryBullet, question string, features model.FeatureSet, emit telemetry.Emitter) ([]string, string) {
	if len(bullets) == 0 {
		return nil, "none"
	}

	top := b.cfg.TopBullets
	if !features.Enabled(model.FeatureSemanticSummary) {
		return lastBullets(bullets, top), "recency"
	}

	selected, err := b.semanticSelect(ctx, bullets, question, top)
	if err != nil {
		slog.Warn("semantic summary selection failed, falling back to recency", "error", err)
		emit(telemetry.EventSummarySelection, map[string]any{
			"mode":            "recency",
			"fallback_reason": err.Error(),
			"candidates":      len(bullets),
		})
		return lastBullets(bullets, top), "recency_fallback"
	}

	emit(telemetry.EventSummarySelection, map[string]any{
		"mode":       "semantic",
		"candidates": len(bullets),
		"selected":   len(selected),
	})
	return selected, "semantic"
}

func (b *Budgeter) semanticSelect(ctx context.Context, bullets []model.SummaryBullet, question string, top int) ([]string, error) {
	// Embed the question plus any bullet lacking a stored embedding in
	// one batch.
	inputs := []string{question}
	missing := make([]int, 0)
	for i, bl := range bullets {
		if len(bl.Embedding) == 0 {
			inputs = append(inputs, bl.Text)
			missing = append(missing, i)
		}
	}

	vecs, err := b.embedder.Embed(ctx, inputs)
	if err != nil {
		return nil, err
	}
	questionVec := vecs[0]
	for j, idx := range missing {
		bullets[idx].Embedding = vecs[j+1]
	}

	type scored struct {
		text  string
		score float64
	}
	ranked := make([]scored, 0, len(bullets))
	for _, bl := range bullets {
		ranked = append(ranked, scored{text: bl.Text, score: cosineSimilarity(questionVec, bl.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if top > len(ranked) {
		top = len(ranked)
	}
	out := make([]string, top)
	for i := 0; i < top; i++ {
		out[i] = ranked[i].text
	}
	return out, nil
}

func lastBullets(bullets []model.SummaryBullet, top int) []string {
	if top > len(bullets) {
		top = len(bullets)
	}
	out := make([]string, 0, top)
	for _, bl := range bullets[len(bullets)-top:] {
		out = append(out, bl.Text)
	}
	return out
}

// enforceTotal reduces sections in fixed priority order until the sum
// fits 90% of the model input limit. Salience goes last: it is
// user-pinned.
func (b *Budgeter) enforceTotal(result *BudgetResult) {
	limit := int(float64(b.cfg.ModelInputLimit) * 0.9)

	total := func() int {
		return result.Budget.HistoryTokens + result.Budget.SummaryTokens +
			result.Budget.SalienceTokens + result.Budget.WebTokens
	}

	if total() <= limit {
		return
	}
	result.Budget.Reduced = true

	// 1. Web context is dropped wholesale.
	result.Budget.WebTokens = 0
	if total() <= limit {
		return
	}

	// 2. Summary bullets drop from the back (least relevant last).
	for len(result.Summary) > 0 && total() > limit {
		result.Summary = result.Summary[:len(result.Summary)-1]
		result.Budget.SummaryTokens = b.estimator.EstimateAll(result.Summary)
	}
	if total() <= limit {
		return
	}

	// 3. History drops oldest-first, preserving the latest exchange.
	for len(result.History) > 2 && total() > limit {
		result.History = result.History[2:]
		result.Budget.HistoryTokens = b.estimateMessages(result.History)
	}
	if total() <= limit {
		return
	}

	// 4. Salience drops oldest-first only when it alone exceeds what is
	// left.
	for len(result.Salience) > 0 && total() > limit {
		result.Salience = result.Salience[1:]
		result.Budget.SalienceTokens = b.estimator.EstimateAll(result.Salience)
	}
}

func (b *Budgeter) estimateMessages(messages []model.Message) int {
	total := 0
	for _, m := range messages {
		total += b.estimator.Estimate(m.Content)
	}
	return total
}
