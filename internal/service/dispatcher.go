package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/searchclient"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
	"github.com/connexus-ai/atlas-backend/internal/webclient"
)

// DispatchConfig carries the retrieval thresholds.
type DispatchConfig struct {
	RerankerThreshold         float64
	FallbackRerankerThreshold float64
	MinDocs                   int
	BaseTop                   int
	LazySummaryMaxChars       int
	LazyPrefetchCount         int
	ConfidenceEscalation      float64
	// MinCoverage flags a retrieval whose gateway coverage falls below
	// it. Coverage exactly at the threshold is fine.
	MinCoverage    float64
	WebResultCount int
	AcademicLimit  int
}

// DispatchInput is everything one dispatch needs.
type DispatchInput struct {
	SessionID string
	Question  string
	Plan      *model.PlanSummary
	Features  model.FeatureSet
	Strategy  string // route retrieval strategy: hybrid | knowledge_agent | none
	Emit      telemetry.Emitter
	SafeMode  string
}

// ActivityStep is one line of the turn's activity trail.
type ActivityStep struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// DispatchResult is the dispatcher's output.
type DispatchResult struct {
	References    []model.Reference
	LazyRefs      []*model.LazyReference
	WebResults    []model.WebResult
	WebContext    *model.WebContext
	AdaptiveStats *model.AdaptiveStats
	Activity      []ActivityStep
	Escalated     bool
	Summary       model.RetrievalSummary
}

// Dispatcher coordinates retrieval across the hybrid index, the local
// vector index, and the web, applying the fallback ladder, CRAG
// self-grading, and the adaptive reformulation loop.
type Dispatcher struct {
	search   KnowledgeSearcher
	localVec LocalVectorSearcher
	web      WebSearcher
	academic AcademicSearcher
	embedder Embedder
	quality  *WebQualityFilter
	adaptive *AdaptiveRetriever
	crag     *CRAGGrader
	planner  *Planner
	cfg      DispatchConfig
}

// NewDispatcher wires the dispatcher. localVec, academic, quality, crag,
// and adaptive may be nil; the corresponding stages are skipped.
func NewDispatcher(
	search KnowledgeSearcher,
	localVec LocalVectorSearcher,
	web WebSearcher,
	academic AcademicSearcher,
	embedder Embedder,
	quality *WebQualityFilter,
	adaptive *AdaptiveRetriever,
	crag *CRAGGrader,
	planner *Planner,
	cfg DispatchConfig,
) *Dispatcher {
	if cfg.BaseTop <= 0 {
		cfg.BaseTop = 5
	}
	if cfg.MinDocs <= 0 {
		cfg.MinDocs = 3
	}
	if cfg.WebResultCount <= 0 {
		cfg.WebResultCount = 5
	}
	return &Dispatcher{
		search:   search,
		localVec: localVec,
		web:      web,
		academic: academic,
		embedder: embedder,
		quality:  quality,
		adaptive: adaptive,
		crag:     crag,
		planner:  planner,
		cfg:      cfg,
	}
}

// Dispatch runs the retrieval state machine for one turn.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	emit := in.Emit
	if emit == nil {
		emit = telemetry.NopEmitter
	}

	result := &DispatchResult{}
	plan := in.Plan
	if plan == nil {
		plan = defaultPlan()
	}

	wantVector := plan.WantsVector() || in.Strategy == "hybrid" || in.Strategy == "knowledge_agent"
	wantWeb := plan.WantsWeb()

	// Confidence escalation: a weak plan forces dual retrieval no matter
	// what its step list says.
	if plan.Confidence < d.cfg.ConfidenceEscalation {
		result.Escalated = true
		wantVector = true
		wantWeb = true
		emit(telemetry.EventConfidenceEscalation, map[string]any{
			"plan_confidence": plan.Confidence,
			"threshold":       d.cfg.ConfidenceEscalation,
		})
		result.Activity = append(result.Activity, ActivityStep{
			Type:        "confidence_escalation",
			Description: fmt.Sprintf("plan confidence %.2f below %.2f, running both retrievals", plan.Confidence, d.cfg.ConfidenceEscalation),
		})
	}
	result.Summary.Escalated = result.Escalated

	queries := []string{in.Question}
	if in.Features.Enabled(model.FeatureQueryDecomposition) && d.planner != nil {
		queries = d.planner.Decompose(ctx, in.Question, in.SessionID)
		if len(queries) > 1 {
			result.Activity = append(result.Activity, ActivityStep{
				Type:        "query_decomposition",
				Description: fmt.Sprintf("split into %d sub-queries", len(queries)),
			})
		}
	}

	// Vector and web retrieval settle independently; one side failing
	// never discards the other's results.
	var (
		wg        sync.WaitGroup
		vecRefs   []model.Reference
		vecLazy   []*model.LazyReference
		vecCov    *float64
		vecSum    model.RetrievalSummary
		vecErr    error
		webResult *webclient.Result
		webErr    error
	)

	if wantVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecRefs, vecLazy, vecCov, vecSum, vecErr = d.retrieveKnowledge(ctx, in, queries, emit)
		}()
	}
	if wantWeb {
		wg.Add(1)
		go func() {
			defer wg.Done()
			webResult, webErr = d.retrieveWeb(ctx, in, emit)
		}()
	}
	wg.Wait()

	if vecErr != nil && webErr != nil {
		return nil, apperr.Wrap(apperr.KindRetrievalExhausted, "all retrieval paths failed", vecErr)
	}
	if vecErr != nil {
		slog.Warn("knowledge retrieval failed, continuing with web only", "error", vecErr)
	}
	if webErr != nil {
		slog.Warn("web retrieval failed, continuing with knowledge only", "error", webErr)
	}

	result.References = vecRefs
	result.LazyRefs = vecLazy
	result.Summary = vecSum
	result.Summary.Escalated = result.Escalated

	if vecCov != nil && *vecCov < d.cfg.MinCoverage {
		emit(telemetry.EventWarning, map[string]any{
			"type":      "low_search_coverage",
			"coverage":  *vecCov,
			"threshold": d.cfg.MinCoverage,
		})
	}

	// CRAG self-grade over the first retrieval.
	if in.Features.Enabled(model.FeatureCRAG) && d.crag != nil && len(result.References) > 0 {
		forcedWeb := d.applyCRAG(ctx, in, result, emit)
		if forcedWeb && webResult == nil {
			webResult, webErr = d.retrieveWeb(ctx, in, emit)
			if webErr != nil {
				slog.Warn("crag web fallback failed", "error", webErr)
			}
		}
	}

	// Adaptive reformulation loop.
	if in.Features.Enabled(model.FeatureAdaptiveRetrieval) && d.adaptive != nil {
		d.runAdaptive(ctx, in, result, vecCov, emit)
	}

	if webResult != nil && !webResult.MissingConfig {
		result.WebResults = webResult.Results
		if in.Features.Enabled(model.FeatureWebQualityFilter) && d.quality != nil {
			before := len(result.WebResults)
			result.WebResults = d.quality.Filter(ctx, in.Question, result.WebResults, result.References, emit)
			result.Activity = append(result.Activity, ActivityStep{
				Type:        "web_quality_filter",
				Description: fmt.Sprintf("kept %d of %d web results", len(result.WebResults), before),
			})
		}
		if len(result.WebResults) > 0 {
			result.WebContext = &model.WebContext{
				Text:    webResult.ContextText,
				Tokens:  webResult.Tokens,
				Trimmed: webResult.Trimmed,
			}
		}
	}

	// Optional merge of the two ranked lists.
	if in.Features.Enabled(model.FeatureWebReranking) && len(result.WebResults) > 0 && len(result.References) > 0 {
		opts := FusionOptions{}
		if in.Features.Enabled(model.FeatureSemanticBoost) {
			opts = d.boostOptions(ctx, in.Question, result)
		}
		result.References = FuseRRF(result.References, result.WebResults, opts)
		// The merge reorders references, so the 1:1 pairing with lazy
		// references no longer holds; hydration is disabled for the turn.
		result.LazyRefs = nil
		result.Activity = append(result.Activity, ActivityStep{
			Type:        "rrf_merge",
			Description: fmt.Sprintf("fused corpus and web into %d references", len(result.References)),
		})
	}

	result.Summary.DocsFound = len(result.References)
	emit(telemetry.EventActivity, map[string]any{"steps": activityDescriptions(result.Activity)})
	return result, nil
}

// retrieveKnowledge runs the primary strategy and the fallback ladder
// over each query, merging multi-query results by RRF.
func (d *Dispatcher) retrieveKnowledge(ctx context.Context, in DispatchInput, queries []string, emit telemetry.Emitter) ([]model.Reference, []*model.LazyReference, *float64, model.RetrievalSummary, error) {
	summary := model.RetrievalSummary{Strategy: "hybrid", Mode: "direct"}

	// The knowledge-agent path retrieves summary-first; a failure there
	// falls back to direct hybrid retrieval with full diagnostics.
	if in.Features.Enabled(model.FeatureLazyRetrieval) && in.Strategy != "hybrid" {
		summary.Strategy = "knowledge_agent"
		lazyResult, err := d.search.LazyHybridSearch(ctx, in.SessionID, searchclient.LazyOptions{
			Query:             in.Question,
			Top:               d.cfg.BaseTop,
			RerankerThreshold: d.cfg.RerankerThreshold,
			SummaryMaxChars:   d.cfg.LazySummaryMaxChars,
			PrefetchCount:     d.cfg.LazyPrefetchCount,
		})
		if err == nil && len(lazyResult.References) >= d.cfg.MinDocs {
			summary.Mode = "knowledge_agent"
			refs := make([]model.Reference, 0, len(lazyResult.References))
			for _, lr := range lazyResult.References {
				refs = append(refs, lr.Ref)
			}
			return refs, lazyResult.References, lazyResult.Coverage, summary, nil
		}
		if err != nil {
			summary.FallbackTriggered = true
			summary.FallbackReason = "knowledge_agent_fallback"
			summary.FailurePhase = "invocation"
			summary.CorrelationID = apperr.CorrelationOf(err)
			slog.Warn("knowledge agent retrieval failed, falling back to direct",
				"session_id", in.SessionID,
				"correlation_id", summary.CorrelationID,
				"error", err,
			)
		} else {
			summary.FallbackTriggered = true
			summary.FallbackReason = "knowledge_agent_thin_results"
		}
		summary.Mode = "direct"
	}

	var merged []model.Reference
	var coverage *float64
	var lastErr error
	fused := make(map[string]float64)

	for _, query := range queries {
		refs, cov, exhausted, err := d.runLadder(ctx, in.SessionID, query, emit)
		if err != nil {
			lastErr = err
			continue
		}
		if exhausted {
			summary.FallbackExhausted = true
		}
		if cov != nil {
			coverage = cov
		}
		for rank, r := range refs {
			fused[r.ID] += 1.0 / float64(rrfDefaultK+rank+1)
		}
		merged = mergeByID(merged, refs)
	}

	if merged == nil && lastErr != nil {
		return nil, nil, nil, summary, lastErr
	}
	if len(queries) > 1 {
		sort.SliceStable(merged, func(i, j int) bool { return fused[merged[i].ID] > fused[merged[j].ID] })
	}
	return merged, nil, coverage, summary, nil
}

// ladderStage describes one rung of the fallback ladder.
type ladderStage struct {
	name      string
	threshold float64
	topScale  float64
	exitOnAny bool
	vector    bool
}

// runLadder walks the fallback ladder until the minimum-document
// guarantee is met or the ladder is exhausted.
func (d *Dispatcher) runLadder(ctx context.Context, sessionID, query string, emit telemetry.Emitter) ([]model.Reference, *float64, bool, error) {
	stages := []ladderStage{
		{name: "primary", threshold: d.cfg.RerankerThreshold, topScale: 1},
		{name: "primary_wide", threshold: d.cfg.RerankerThreshold, topScale: 1.5},
		{name: "relaxed", threshold: d.cfg.FallbackRerankerThreshold, topScale: 2, exitOnAny: true},
		{name: "pure_vector", topScale: 2, exitOnAny: true, vector: true},
	}

	var best []model.Reference
	var coverage *float64
	var lastErr error

	for stageIdx, stage := range stages {
		top := int(float64(d.cfg.BaseTop) * stage.topScale)

		refs, cov, err := d.runStage(ctx, sessionID, query, stage, top)
		if err != nil {
			lastErr = err
			emit(telemetry.EventRetrievalFallback, map[string]any{
				"stage":      stageIdx,
				"reason":     "stage_error",
				"docs_found": 0,
				"threshold":  stage.threshold,
			})
			continue
		}
		if cov != nil {
			coverage = cov
		}
		if len(refs) > len(best) {
			best = refs
		}

		if len(refs) >= d.cfg.MinDocs || (stage.exitOnAny && len(refs) > 0) {
			if stageIdx > 0 {
				emit(telemetry.EventRetrievalFallback, map[string]any{
					"stage":      stageIdx,
					"reason":     "satisfied",
					"docs_found": len(refs),
					"threshold":  stage.threshold,
				})
			}
			return refs, coverage, false, nil
		}

		emit(telemetry.EventRetrievalFallback, map[string]any{
			"stage":      stageIdx,
			"reason":     "below_min_docs",
			"docs_found": len(refs),
			"threshold":  stage.threshold,
		})
	}

	if best == nil && lastErr != nil {
		return nil, nil, true, lastErr
	}
	// Ladder exhausted: return best effort, tagged.
	return best, coverage, true, nil
}

// runStage executes one ladder stage. A stage whose threshold filtered
// out everything is retried once without the threshold — an explicit
// retry, never a silent substitution of the unfiltered list.
func (d *Dispatcher) runStage(ctx context.Context, sessionID, query string, stage ladderStage, top int) ([]model.Reference, *float64, error) {
	if stage.vector {
		result, err := d.search.VectorSearch(ctx, query, nil, searchclient.VectorOptions{Top: top})
		if err == nil {
			return result.References, result.Coverage, nil
		}
		if d.localVec == nil || d.embedder == nil {
			return nil, nil, err
		}
		// Hosted index unavailable: serve the stage from the local
		// pgvector index.
		vecs, embErr := d.embedder.Embed(ctx, []string{query})
		if embErr != nil || len(vecs) == 0 {
			return nil, nil, err
		}
		refs, localErr := d.localVec.VectorSearch(ctx, vecs[0], top)
		if localErr != nil {
			return nil, nil, err
		}
		return refs, nil, nil
	}

	result, err := d.search.HybridSearch(ctx, sessionID, query, searchclient.HybridOptions{
		Top:               top,
		RerankerThreshold: stage.threshold,
	})
	if err != nil {
		return nil, nil, err
	}

	if result.ThresholdExhausted {
		retried, retryErr := d.search.HybridSearch(ctx, sessionID, query, searchclient.HybridOptions{Top: top})
		if retryErr != nil {
			return nil, result.Coverage, retryErr
		}
		return retried.References, retried.Coverage, nil
	}
	return result.References, result.Coverage, nil
}

// retrieveWeb runs web search, folding in academic sources when
// configured.
func (d *Dispatcher) retrieveWeb(ctx context.Context, in DispatchInput, emit telemetry.Emitter) (*webclient.Result, error) {
	if d.web == nil {
		return &webclient.Result{MissingConfig: true}, nil
	}

	safeSearch := webclient.SafeOff
	if in.Features.Enabled(model.FeatureWebSafeMode) {
		safeSearch = in.SafeMode
		if safeSearch == "" || safeSearch == webclient.SafeOff {
			safeSearch = webclient.SafeActive
		}
	}

	result, err := d.web.Search(ctx, in.Question, webclient.Options{
		Count:      d.cfg.WebResultCount,
		SafeSearch: safeSearch,
	})
	if err != nil {
		return nil, err
	}

	if d.academic != nil {
		academic := d.academic.Search(ctx, in.Question, d.cfg.AcademicLimit)
		if len(academic.Papers) > 0 {
			result.Results = append(result.Results, academic.AsWebResults(len(result.Results)+1)...)
		}
	}
	return result, nil
}

// applyCRAG self-grades the retrieval and applies the verdict. Returns
// true when an incorrect verdict forces a web search.
func (d *Dispatcher) applyCRAG(ctx context.Context, in DispatchInput, result *DispatchResult, emit telemetry.Emitter) bool {
	start := time.Now()
	eval, err := d.crag.Grade(ctx, in.Question, result.References, in.SessionID)
	if err != nil {
		slog.Warn("crag grading failed, keeping documents", "error", err)
		emit(telemetry.EventCRAGResult, map[string]any{"outcome": "grader_error"})
		return false
	}

	emit(telemetry.EventCRAGEvaluation, map[string]any{
		"confidence": eval.Confidence,
		"action":     eval.Action,
		"reasoning":  eval.Reasoning,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	emit(telemetry.EventCRAGAction, map[string]any{"action": eval.Action})

	switch eval.Action {
	case model.CRAGRefineDocuments:
		before := len(result.References)
		result.References = Refine(eval, result.References)
		emit(telemetry.EventCRAGRefinement, map[string]any{
			"before": before,
			"after":  len(result.References),
		})
		result.Activity = append(result.Activity, ActivityStep{
			Type:        "crag_refinement",
			Description: fmt.Sprintf("refined references %d → %d", before, len(result.References)),
		})
	case model.CRAGWebFallback:
		emit(telemetry.EventCRAGWebFallback, map[string]any{"reasoning": eval.Reasoning})
		result.Activity = append(result.Activity, ActivityStep{
			Type:        "crag_web_fallback",
			Description: "retrieval graded incorrect, forcing web search",
		})
		emit(telemetry.EventCRAGResult, map[string]any{"outcome": "web_fallback"})
		return true
	}
	emit(telemetry.EventCRAGResult, map[string]any{"outcome": eval.Confidence})
	return false
}

// runAdaptive evaluates retrieval quality and reformulates up to the
// configured bound, keeping per-attempt stats.
func (d *Dispatcher) runAdaptive(ctx context.Context, in DispatchInput, result *DispatchResult, coverage *float64, emit telemetry.Emitter) {
	cfg := d.adaptive.Config()

	stats := &model.AdaptiveStats{
		Thresholds: model.AdaptiveThresholds{
			MinCoverage:  cfg.MinCoverage,
			MinDiversity: cfg.MinDiversity,
		},
	}

	query := in.Question
	quality := d.adaptive.Quality(ctx, result.References, coverage)
	stats.InitialQuality = quality
	stats.FinalQuality = quality
	stats.Attempts = 1
	stats.PerAttempt = append(stats.PerAttempt, model.AttemptStat{Attempt: 1, Query: query, Quality: quality})

	reason := d.adaptive.TriggerReason(quality)
	if reason == "" {
		result.AdaptiveStats = stats
		return
	}
	stats.Triggered = true
	stats.TriggerReason = reason

	for attempt := 2; attempt <= cfg.MaxReformulations+1; attempt++ {
		reformulated, err := d.adaptive.Reformulate(ctx, in.Question, query, quality, in.SessionID)
		if err != nil {
			slog.Warn("reformulation failed, stopping adaptive loop", "error", err)
			break
		}
		query = reformulated
		stats.Reformulations = append(stats.Reformulations, reformulated)

		start := time.Now()
		refs, cov, _, err := d.runLadder(ctx, in.SessionID, query, emit)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			slog.Warn("adaptive re-retrieval failed", "error", err)
			break
		}

		quality = d.adaptive.Quality(ctx, refs, cov)
		stats.Attempts = attempt
		stats.PerAttempt = append(stats.PerAttempt, model.AttemptStat{
			Attempt:   attempt,
			Query:     query,
			Quality:   quality,
			LatencyMs: latency,
		})

		if len(refs) > 0 {
			result.References = refs
		}
		stats.FinalQuality = quality

		if d.adaptive.TriggerReason(quality) == "" {
			break
		}
	}

	result.AdaptiveStats = stats
	emit(telemetry.EventAdaptiveRetrieval, map[string]any{
		"attempts":             stats.Attempts,
		"triggered":            stats.Triggered,
		"trigger_reason":       stats.TriggerReason,
		"reformulations_count": len(stats.Reformulations),
		"initial_coverage":     stats.InitialQuality.Coverage,
		"final_coverage":       stats.FinalQuality.Coverage,
	})
	result.Activity = append(result.Activity, ActivityStep{
		Type:        "adaptive_retrieval",
		Description: fmt.Sprintf("%d attempts, trigger %s", stats.Attempts, stats.TriggerReason),
	})
}

// boostOptions embeds the query and every fusion candidate in one batch
// for the semantic boost term.
func (d *Dispatcher) boostOptions(ctx context.Context, question string, result *DispatchResult) FusionOptions {
	opts := FusionOptions{SemanticBoost: true, BoostWeight: 0.5}

	inputs := []string{question}
	ids := make([]string, 0, len(result.References)+len(result.WebResults))
	for _, r := range result.References {
		inputs = append(inputs, snippetOf(r.DisplayText(), 512))
		ids = append(ids, r.ID)
	}
	for _, w := range result.WebResults {
		inputs = append(inputs, snippetOf(w.Snippet, 512))
		ids = append(ids, w.ID)
	}

	vecs, err := d.embedder.Embed(ctx, inputs)
	if err != nil || len(vecs) != len(inputs) {
		slog.Warn("semantic boost embeddings failed, plain rrf", "error", err)
		return FusionOptions{}
	}

	opts.QueryVec = vecs[0]
	opts.ItemVecs = make(map[string][]float32, len(ids))
	for i, id := range ids {
		opts.ItemVecs[id] = vecs[i+1]
	}
	return opts
}

// mergeByID appends refs not already present by id.
func mergeByID(existing, incoming []model.Reference) []model.Reference {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.ID] = true
	}
	for _, r := range incoming {
		if !seen[r.ID] {
			existing = append(existing, r)
			seen[r.ID] = true
		}
	}
	return existing
}

func activityDescriptions(steps []ActivityStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Type + ": " + s.Description
	}
	return out
}
