package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/store"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

// maxSessionIDLen bounds caller-supplied session ids.
const maxSessionIDLen = 128

// MetricsRecorder receives orchestrator-level counters. The monitoring
// middleware implements it; tests pass nil.
type MetricsRecorder interface {
	ObserveTurn(route, mode, status string)
	IncQualityRefusal()
}

// OrchestratorConfig carries the turn-level knobs.
type OrchestratorConfig struct {
	AnswerModel     string
	TurnDeadline    time.Duration
	MaxOutputTokens int
	// EnvFeatures are deployment-level feature toggles, layered beneath
	// session-persisted flags and per-request overrides.
	EnvFeatures map[string]bool
}

// RunInput is one turn's request.
type RunInput struct {
	SessionID        string
	Mode             string
	Messages         []model.Message
	FeatureOverrides map[string]bool
	SafeMode         string
	Emit             telemetry.Emitter
}

// RunResult is one turn's response.
type RunResult struct {
	Answer    string         `json:"answer"`
	Citations []model.Citation `json:"citations"`
	Activity  []ActivityStep `json:"activity"`
	Metadata  map[string]any `json:"metadata"`
}

// Orchestrator is the top-level per-turn state machine. It borrows the
// session state for the duration of one turn and writes it back at the
// end; every event flows through the caller's sink.
type Orchestrator struct {
	sessions    store.SessionStore
	router      *Router
	planner     *Planner
	budgeter    *Budgeter
	dispatcher  *Dispatcher
	synthesizer *Synthesizer
	criticLoop  *CriticLoop
	memory      *MemoryUpdater
	turns       *telemetry.Store
	metrics     MetricsRecorder
	cfg         OrchestratorConfig
}

// NewOrchestrator wires the pipeline. memory and metrics may be nil.
func NewOrchestrator(
	sessions store.SessionStore,
	router *Router,
	planner *Planner,
	budgeter *Budgeter,
	dispatcher *Dispatcher,
	synthesizer *Synthesizer,
	criticLoop *CriticLoop,
	memory *MemoryUpdater,
	turns *telemetry.Store,
	metrics MetricsRecorder,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 120 * time.Second
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}
	return &Orchestrator{
		sessions:    sessions,
		router:      router,
		planner:     planner,
		budgeter:    budgeter,
		dispatcher:  dispatcher,
		synthesizer: synthesizer,
		criticLoop:  criticLoop,
		memory:      memory,
		turns:       turns,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// RunSession executes one turn end to end.
func (o *Orchestrator) RunSession(ctx context.Context, in RunInput) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnDeadline)
	defer cancel()

	started := time.Now().UTC()
	sessionID := SanitizeSessionID(in.SessionID, in.Messages)
	question := model.LatestUserMessage(in.Messages)
	if question == "" {
		return nil, apperr.New(apperr.KindValidation, "no user message in request")
	}

	record := &model.TurnRecord{
		SessionID: sessionID,
		TurnID:    uuid.NewString(),
		Mode:      in.Mode,
		Question:  question,
		Status:    model.TurnRunning,
		StartedAt: started,
	}

	emit := o.capturingEmitter(in.Emit, record)

	result, err := o.runPipeline(ctx, in, sessionID, question, record, emit)

	record.CompletedAt = time.Now().UTC()
	if err != nil {
		if errors.Is(err, context.Canceled) || apperr.KindOf(err) == apperr.KindCancelled {
			record.Status = model.TurnCancelled
			emit(telemetry.EventError, map[string]any{"type": "cancelled", "message": "turn cancelled"})
		} else {
			record.Status = model.TurnError
			emit(telemetry.EventError, map[string]any{"message": sanitizedMessage(err)})
		}
		emit(telemetry.EventDone, map[string]any{})
	}
	if o.turns != nil {
		o.turns.Record(*record)
	}
	if o.metrics != nil {
		o.metrics.ObserveTurn(record.Route, record.Mode, record.Status)
	}
	return result, err
}

// runPipeline is the happy path: classify → budget → plan → dispatch →
// synthesize → critique → complete.
func (o *Orchestrator) runPipeline(ctx context.Context, in RunInput, sessionID, question string, record *model.TurnRecord, emit telemetry.Emitter) (*RunResult, error) {
	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "session load failed", err)
	}
	mergeMessages(state, in.Messages)

	persisted := make(map[string]bool, len(o.cfg.EnvFeatures)+len(state.Features))
	for k, v := range o.cfg.EnvFeatures {
		persisted[k] = v
	}
	for k, v := range state.Features {
		persisted[k] = v
	}
	features := model.ResolveFeatures(persisted, in.FeatureOverrides)
	emit(telemetry.EventFeatures, featureMap(features))

	// Classify & route.
	emit(telemetry.EventStatus, map[string]any{"stage": "classifying"})
	intent := model.IntentResult{Intent: model.IntentResearch, Confidence: 1}
	if features.Enabled(model.FeatureIntentRouting) && o.router != nil {
		intent = o.router.Classify(ctx, question, sessionID)
	}
	route := model.RouteConfig{Model: o.cfg.AnswerModel, RetrievalStrategy: "hybrid"}
	if o.router != nil {
		route = o.router.RouteFor(intent.Intent)
	}
	record.Route = intent.Intent
	emit(telemetry.EventRoute, map[string]any{
		"intent":     intent.Intent,
		"confidence": intent.Confidence,
		"model":      route.Model,
		"strategy":   route.RetrievalStrategy,
	})

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindCancelled, "cancelled before budgeting", err)
	}

	// Budget the prompt context.
	emit(telemetry.EventStatus, map[string]any{"stage": "budgeting"})
	budget := o.budgeter.Budget(ctx, state, question, features, 0, emit)

	// Plan.
	emit(telemetry.EventStatus, map[string]any{"stage": "planning"})
	plan := o.planner.Plan(ctx, question, intent, sessionID)
	record.Plan = plan
	emit(telemetry.EventPlan, map[string]any{
		"confidence": plan.Confidence,
		"steps":      planSteps(plan),
	})

	// Dispatch retrieval.
	emit(telemetry.EventStatus, map[string]any{"stage": "retrieving"})
	emit(telemetry.EventTool, map[string]any{"tool": "retrieval_dispatch"})
	dispatch, err := o.dispatcher.Dispatch(ctx, DispatchInput{
		SessionID: sessionID,
		Question:  question,
		Plan:      plan,
		Features:  features,
		Strategy:  route.RetrievalStrategy,
		Emit:      emit,
		SafeMode:  in.SafeMode,
	})
	if err != nil {
		return nil, err
	}
	record.Retrieval = &dispatch.Summary
	record.AdaptiveStats = dispatch.AdaptiveStats
	if dispatch.WebContext != nil {
		budget.Budget.WebTokens = dispatch.WebContext.Tokens
		budget.Budget.TotalTokens += dispatch.WebContext.Tokens
	}
	record.ContextBudget = &budget.Budget
	emit(telemetry.EventContext, map[string]any{
		"history_tokens":  budget.Budget.HistoryTokens,
		"summary_tokens":  budget.Budget.SummaryTokens,
		"salience_tokens": budget.Budget.SalienceTokens,
		"web_tokens":      budget.Budget.WebTokens,
		"reduced":         budget.Budget.Reduced,
	})

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindCancelled, "cancelled before synthesis", err)
	}

	// Synthesize.
	emit(telemetry.EventStatus, map[string]any{"stage": "generating", "iteration": 1})

	synthesisInput := SynthesisInput{
		SessionID:  sessionID,
		Question:   question,
		References: dispatch.References,
		History:    budget.History,
		Summary:    budget.Summary,
		Salience:   budget.Salience,
	}
	if dispatch.WebContext != nil {
		synthesisInput.WebContext = dispatch.WebContext.Text
	}

	opts := llmclient.Options{
		Model:           route.Model,
		MaxOutputTokens: o.cfg.MaxOutputTokens,
	}
	if o.cfg.AnswerModel != "" && route.Model == "" {
		opts.Model = o.cfg.AnswerModel
	}
	if features.Enabled(model.FeatureResponseStorage) {
		opts.Store = true
		opts.PreviousResponseID = state.LastResponseID
	}

	synthesize := func(ctx context.Context, revisionNotes []string) (*SynthesisResult, error) {
		input := synthesisInput
		input.RevisionNotes = revisionNotes
		// Revision regenerates against the possibly-hydrated references.
		input.References = dispatch.References
		if in.Mode == model.ModeStream && len(revisionNotes) == 0 {
			return o.synthesizer.GenerateStream(ctx, input, opts, emit)
		}
		return o.synthesizer.Generate(ctx, input, opts)
	}

	initial, err := synthesize(ctx, nil)
	if err != nil {
		return nil, err
	}
	if initial.ResponseID != "" {
		state.LastResponseID = initial.ResponseID
	}

	answer := initial.Answer
	var criticHistory []model.CriticReport
	refused := false

	if features.Enabled(model.FeatureCritic) && o.criticLoop != nil && !initial.Substituted {
		outcome, err := o.criticLoop.Run(ctx, question, answer, sessionID,
			dispatch.References, dispatch.LazyRefs,
			func(ctx context.Context, notes []string) (string, error) {
				res, err := synthesize(ctx, notes)
				if err != nil {
					return "", err
				}
				if res.ResponseID != "" {
					state.LastResponseID = res.ResponseID
				}
				return res.Answer, nil
			}, emit)
		if err != nil {
			return nil, err
		}
		answer = outcome.FinalAnswer
		criticHistory = outcome.History
		refused = outcome.Refused
		if refused && o.metrics != nil {
			o.metrics.IncQualityRefusal()
		}
	}
	record.CriticHistory = criticHistory

	// Citations from the markers actually present in the final answer.
	citations := BuildCitations(answer, dispatch.References)
	emit(telemetry.EventCitations, map[string]any{"citations": citations, "references": len(dispatch.References)})

	// Write back session state; a cancelled turn must not persist.
	if ctx.Err() == nil {
		state.Messages = append(state.Messages, model.Message{Role: model.RoleAssistant, Content: answer})
		state.Features = in.FeatureOverrides
		if o.memory != nil {
			o.memory.Update(ctx, state, features)
		}
		if err := o.sessions.Save(ctx, state); err != nil {
			slog.Warn("session write-back failed", "session_id", sessionID, "error", err)
		}
	} else {
		return nil, apperr.Wrap(apperr.KindCancelled, "cancelled before completion", ctx.Err())
	}

	metadata := map[string]any{
		"plan":           plan,
		"context_budget": budget.Budget,
		"retrieval":      dispatch.Summary,
		"features":       featureMap(features),
	}
	if len(criticHistory) > 0 {
		metadata["evaluation"] = criticHistory
	}
	if dispatch.WebContext != nil {
		metadata["web_context"] = dispatch.WebContext
	}
	if dispatch.AdaptiveStats != nil {
		metadata["adaptive_stats"] = dispatch.AdaptiveStats
	}

	record.Answer = answer
	record.Status = model.TurnComplete
	if refused {
		record.Status = model.TurnRefused
	}

	emit(telemetry.EventComplete, map[string]any{
		"answer":    answer,
		"citations": citations,
		"metadata":  metadata,
	})
	emit(telemetry.EventDone, map[string]any{})

	return &RunResult{
		Answer:    answer,
		Citations: citations,
		Activity:  dispatch.Activity,
		Metadata:  metadata,
	}, nil
}

// capturingEmitter forwards to the caller's sink and records every event
// on the turn record.
func (o *Orchestrator) capturingEmitter(sink telemetry.Emitter, record *model.TurnRecord) telemetry.Emitter {
	if sink == nil {
		sink = telemetry.NopEmitter
	}
	return func(event string, data map[string]any) {
		record.Events = append(record.Events, model.CapturedEvent{
			Event: event,
			Data:  data,
			T:     time.Now().UTC(),
		})
		sink(event, data)
	}
}

// SanitizeSessionID validates the caller's session id, deriving a stable
// one from the message fingerprint when missing or oversized.
func SanitizeSessionID(id string, messages []model.Message) string {
	if id != "" && len(id) <= maxSessionIDLen {
		return id
	}
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return "sess-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// mergeMessages reconciles the request transcript with stored state: the
// longer view wins, and the latest user turn is always present.
func mergeMessages(state *model.SessionState, incoming []model.Message) {
	if len(incoming) >= len(state.Messages) {
		state.Messages = append([]model.Message(nil), incoming...)
		return
	}
	if latest := model.LatestUserMessage(incoming); latest != "" {
		if stored := model.LatestUserMessage(state.Messages); stored != latest {
			state.Messages = append(state.Messages, model.Message{Role: model.RoleUser, Content: latest})
		}
	}
}

func featureMap(features model.FeatureSet) map[string]any {
	out := make(map[string]any, len(features))
	for k, v := range features {
		out[k] = v
	}
	return out
}

func planSteps(plan *model.PlanSummary) []map[string]any {
	steps := make([]map[string]any, len(plan.Steps))
	for i, s := range plan.Steps {
		step := map[string]any{"action": s.Action}
		if s.Query != "" {
			step["query"] = s.Query
		}
		if s.K > 0 {
			step["k"] = s.K
		}
		steps[i] = step
	}
	return steps
}

// sanitizedMessage strips internals from user-visible error text.
func sanitizedMessage(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return fmt.Sprintf("%s (correlation_id=%s)", ae.Kind, ae.CorrelationID)
	}
	return "internal error"
}
