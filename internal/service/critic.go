package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

var criticSchema = llmclient.JSONSchema{
	Name: "critic_report",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"grounded": {"type": "boolean"},
			"coverage": {"type": "number", "minimum": 0, "maximum": 1},
			"action": {"type": "string", "enum": ["accept", "revise"]},
			"issues": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["grounded", "coverage", "action", "issues"],
		"additionalProperties": false
	}`),
	Strict: true,
}

// Critic evaluates grounding and coverage of a synthesized answer.
type Critic struct {
	llm   LLM
	model string
}

// NewCritic creates a Critic.
func NewCritic(llm LLM, criticModel string) *Critic {
	return &Critic{llm: llm, model: criticModel}
}

// Critique judges one answer. It never fails open: any error or
// unparseable output produces a forced conservative revise, never an
// accept.
func (c *Critic) Critique(ctx context.Context, question, answer string, refs []model.Reference, sessionID string) *model.CriticReport {
	var sb strings.Builder
	sb.WriteString("Evaluate this answer against the reference material.\n")
	sb.WriteString("grounded: is every claim supported by a cited reference?\n")
	sb.WriteString("coverage: what fraction of the question does the answer address (0-1)?\n")
	sb.WriteString("action: accept if grounded and complete, revise otherwise; list concrete issues.\n\n")
	sb.WriteString("Question: " + question + "\n\n")
	sb.WriteString("Answer: " + answer + "\n\n")
	for i, ref := range refs {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, snippetOf(ref.DisplayText(), 500)))
	}

	completion, err := c.llm.Complete(ctx, sb.String(), llmclient.Options{
		Model:           c.model,
		MaxOutputTokens: 512,
		Schema:          &criticSchema,
		User:            sessionID,
	})
	if err != nil {
		return conservativeRevise(err.Error())
	}
	if strings.TrimSpace(completion.Text) == "" {
		return conservativeRevise("empty critic output")
	}

	var report model.CriticReport
	if err := json.Unmarshal([]byte(completion.Text), &report); err != nil {
		return conservativeRevise(err.Error())
	}
	if report.Action != model.CriticAccept && report.Action != model.CriticRevise {
		return conservativeRevise("invalid critic action " + report.Action)
	}
	return &report
}

func conservativeRevise(msg string) *model.CriticReport {
	return &model.CriticReport{
		Grounded: false,
		Coverage: 0,
		Action:   model.CriticRevise,
		Issues:   []string{"critic_error:" + msg},
		Forced:   true,
	}
}

// CriticLoopConfig bounds the revision loop.
type CriticLoopConfig struct {
	MaxRetries     int
	Threshold      float64
	AcceptCoverage float64
}

// SynthesizeFunc regenerates the answer with the critic's issues.
type SynthesizeFunc func(ctx context.Context, revisionNotes []string) (string, error)

// CriticOutcome is the loop's final verdict.
type CriticOutcome struct {
	FinalAnswer string
	History     []model.CriticReport
	Iterations  int
	Refused     bool
}

// CriticLoop drives critique → revise cycles with lazy hydration and the
// final safety gate.
type CriticLoop struct {
	critic   *Critic
	hydrator *Hydrator
	cfg      CriticLoopConfig
}

// NewCriticLoop creates a CriticLoop.
func NewCriticLoop(critic *Critic, hydrator *Hydrator, cfg CriticLoopConfig) *CriticLoop {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &CriticLoop{critic: critic, hydrator: hydrator, cfg: cfg}
}

// Run executes the loop over an initial answer.
func (l *CriticLoop) Run(ctx context.Context, question, initialAnswer, sessionID string, refs []model.Reference, lazyRefs []*model.LazyReference, synthesize SynthesizeFunc, emit telemetry.Emitter) (*CriticOutcome, error) {
	if emit == nil {
		emit = telemetry.NopEmitter
	}

	outcome := &CriticOutcome{FinalAnswer: initialAnswer}
	answer := initialAnswer

	for attempt := 0; ; attempt++ {
		report := l.critic.Critique(ctx, question, answer, refs, sessionID)
		outcome.History = append(outcome.History, *report)
		outcome.Iterations = attempt + 1

		emit(telemetry.EventCritique, map[string]any{
			"attempt":  attempt,
			"grounded": report.Grounded,
			"coverage": report.Coverage,
			"action":   report.Action,
			"issues":   report.Issues,
			"forced":   report.Forced,
		})

		if report.Action == model.CriticAccept || report.Coverage >= l.cfg.AcceptCoverage {
			outcome.FinalAnswer = answer
			return outcome, nil
		}

		if attempt >= l.cfg.MaxRetries {
			// Final safety gate.
			if !report.Grounded || report.Coverage < l.cfg.Threshold {
				outcome.FinalAnswer = RefusalSafetyGate
				outcome.Refused = true
				emit(telemetry.EventQualityGateRefusal, map[string]any{
					"grounded": report.Grounded,
					"coverage": report.Coverage,
				})
				return outcome, nil
			}
			outcome.FinalAnswer = answer
			return outcome, nil
		}

		// Hydrate lazy references the critic's issues point at before
		// regenerating with the expanded context.
		if l.hydrator != nil && len(lazyRefs) > 0 && len(report.Issues) > 0 {
			indices := CandidateIndices(report.Issues, len(lazyRefs))
			if len(indices) > 0 {
				l.hydrator.HydrateFlagged(ctx, lazyRefs, indices)
				for _, n := range indices {
					if n >= 1 && n <= len(refs) && n <= len(lazyRefs) {
						refs[n-1] = lazyRefs[n-1].Ref
					}
				}
			}
		}

		emit(telemetry.EventStatus, map[string]any{"stage": "revising", "attempt": attempt + 1})
		revised, err := synthesize(ctx, report.Issues)
		if err != nil {
			return nil, err
		}
		answer = revised
		outcome.FinalAnswer = revised
	}
}
