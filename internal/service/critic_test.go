package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

func loopConfig() CriticLoopConfig {
	return CriticLoopConfig{MaxRetries: 1, Threshold: 0.5, AcceptCoverage: 0.8}
}

func TestCritique_NeverDefaultsToAccept(t *testing.T) {
	cases := map[string]*mockLLM{
		"llm error": {CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
			return nil, fmt.Errorf("backend down")
		}},
		"empty output": {CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
			return jsonCompletion(""), nil
		}},
		"unparseable": {CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
			return jsonCompletion("not json at all"), nil
		}},
		"invalid action": {CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
			return jsonCompletion(`{"grounded":true,"coverage":1,"action":"approve","issues":[]}`), nil
		}},
	}
	for name, llm := range cases {
		t.Run(name, func(t *testing.T) {
			report := NewCritic(llm, "critic").Critique(context.Background(), "q", "a", nil, "s1")
			if report.Action != model.CriticRevise {
				t.Errorf("action = %s, want revise", report.Action)
			}
			if report.Grounded || report.Coverage != 0 {
				t.Errorf("conservative revise must be ungrounded with zero coverage: %+v", report)
			}
			if !report.Forced {
				t.Error("failure-born revise must be marked forced")
			}
			if len(report.Issues) == 0 || !strings.HasPrefix(report.Issues[0], "critic_error:") {
				t.Errorf("issues = %v", report.Issues)
			}
		})
	}
}

func TestCriticLoop_AcceptFirstPass(t *testing.T) {
	llm := &mockLLM{CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
		return jsonCompletion(`{"grounded":true,"coverage":0.95,"action":"accept","issues":[]}`), nil
	}}
	loop := NewCriticLoop(NewCritic(llm, "critic"), NewHydrator(3), loopConfig())

	synthCalls := 0
	outcome, err := loop.Run(context.Background(), "q", "Good answer. [1]", "s1",
		[]model.Reference{makeRef("d", "text", 1)}, nil,
		func(ctx context.Context, notes []string) (string, error) {
			synthCalls++
			return "should not happen", nil
		}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if outcome.FinalAnswer != "Good answer. [1]" || outcome.Refused {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Iterations != 1 || synthCalls != 0 {
		t.Errorf("iterations = %d, synth calls = %d", outcome.Iterations, synthCalls)
	}
}

func TestCriticLoop_ReviseThenAccept(t *testing.T) {
	critiques := 0
	llm := &mockLLM{CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
		critiques++
		if critiques == 1 {
			return jsonCompletion(`{"grounded":false,"coverage":0.4,"action":"revise","issues":["Add grounding"]}`), nil
		}
		return jsonCompletion(`{"grounded":true,"coverage":0.9,"action":"accept","issues":[]}`), nil
	}}
	loop := NewCriticLoop(NewCritic(llm, "critic"), NewHydrator(3), loopConfig())

	var receivedNotes []string
	synthCalls := 0
	log := &eventLog{}

	outcome, err := loop.Run(context.Background(), "q", "Draft answer without citation.", "s1",
		[]model.Reference{makeRef("d", "text", 1)}, nil,
		func(ctx context.Context, notes []string) (string, error) {
			synthCalls++
			receivedNotes = notes
			return "Final answer with citation. [1]", nil
		}, log.emit)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if synthCalls != 1 {
		t.Errorf("synth calls = %d, want 1 regeneration", synthCalls)
	}
	if len(receivedNotes) != 1 || receivedNotes[0] != "Add grounding" {
		t.Errorf("revision notes = %v", receivedNotes)
	}
	if outcome.FinalAnswer != "Final answer with citation. [1]" {
		t.Errorf("final = %q", outcome.FinalAnswer)
	}
	if outcome.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", outcome.Iterations)
	}

	// The loop reports a revising status between iterations.
	sawRevising := false
	for _, data := range log.data {
		if data["stage"] == "revising" {
			sawRevising = true
		}
	}
	if !sawRevising {
		t.Error("expected a revising status event")
	}
	if log.count(telemetry.EventCritique) != 2 {
		t.Errorf("critique events = %d, want 2", log.count(telemetry.EventCritique))
	}
}

func TestCriticLoop_SafetyGateRefusal(t *testing.T) {
	llm := &mockLLM{CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
		return jsonCompletion(`{"grounded":false,"coverage":0.2,"action":"revise","issues":["unsupported claims"]}`), nil
	}}
	loop := NewCriticLoop(NewCritic(llm, "critic"), NewHydrator(3), loopConfig())
	log := &eventLog{}

	outcome, err := loop.Run(context.Background(), "q", "Weak answer. [1]", "s1",
		[]model.Reference{makeRef("d", "text", 1)}, nil,
		func(ctx context.Context, notes []string) (string, error) {
			return "Still weak. [1]", nil
		}, log.emit)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !outcome.Refused {
		t.Fatal("expected refusal")
	}
	if outcome.FinalAnswer != RefusalSafetyGate {
		t.Errorf("final = %q, want safety-gate refusal", outcome.FinalAnswer)
	}
	if log.count(telemetry.EventQualityGateRefusal) != 1 {
		t.Error("expected quality_gate_refusal event")
	}
}

func TestCriticLoop_GroundedLastAnswerKept(t *testing.T) {
	// Last iteration still says revise, but the answer is grounded with
	// coverage above the gate threshold: keep it, no refusal.
	llm := &mockLLM{CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
		return jsonCompletion(`{"grounded":true,"coverage":0.6,"action":"revise","issues":["minor nit"]}`), nil
	}}
	loop := NewCriticLoop(NewCritic(llm, "critic"), NewHydrator(3), loopConfig())

	outcome, err := loop.Run(context.Background(), "q", "Decent answer. [1]", "s1",
		[]model.Reference{makeRef("d", "text", 1)}, nil,
		func(ctx context.Context, notes []string) (string, error) {
			return "Revised decent answer. [1]", nil
		}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if outcome.Refused {
		t.Error("grounded answer above the gate threshold must not be refused")
	}
	if outcome.FinalAnswer != "Revised decent answer. [1]" {
		t.Errorf("final = %q", outcome.FinalAnswer)
	}
}

func TestCriticLoop_HydratesFlaggedReferences(t *testing.T) {
	critiques := 0
	llm := &mockLLM{CompleteFn: func(string, llmclient.Options) (*llmclient.Completion, error) {
		critiques++
		if critiques == 1 {
			return jsonCompletion(`{"grounded":false,"coverage":0.3,"action":"revise","issues":["reference 1 lacks detail"]}`), nil
		}
		return jsonCompletion(`{"grounded":true,"coverage":0.9,"action":"accept","issues":[]}`), nil
	}}

	loaded := 0
	lazy := model.NewLazyReference(model.Reference{ID: "lz-1", Summary: "short"}, func(ctx context.Context) (string, error) {
		loaded++
		return "full expanded content", nil
	})
	refs := []model.Reference{lazy.Ref}

	loop := NewCriticLoop(NewCritic(llm, "critic"), NewHydrator(3), loopConfig())
	_, err := loop.Run(context.Background(), "q", "Thin answer. [1]", "s1",
		refs, []*model.LazyReference{lazy},
		func(ctx context.Context, notes []string) (string, error) {
			return "Expanded answer. [1]", nil
		}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if loaded != 1 {
		t.Errorf("loader calls = %d, want 1", loaded)
	}
	if lazy.State() != model.LazyFull {
		t.Error("flagged lazy reference must be hydrated before regeneration")
	}
	if refs[0].Content != "full expanded content" {
		t.Error("hydrated content must replace the working reference")
	}
}
