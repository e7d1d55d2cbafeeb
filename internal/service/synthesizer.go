package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

// Refusal sentinels substituted by citation validation and the safety
// gate. The UI keys off the prefix.
const (
	RefusalNoCitations     = "I do not know. (No grounded citations available)"
	RefusalInvalidCitation = "I do not know. (Citation validation failed)"
	RefusalSafetyGate      = "I do not know. The available evidence does not provide sufficient grounding for a reliable answer."

	refusalPrefix = "I do not know."

	streamCitationNotice = "\n[System Notice: Citation validation failed — the answer has been withheld.]"
)

// SynthesisInput is the assembled context for one generation.
type SynthesisInput struct {
	SessionID     string
	Question      string
	References    []model.Reference
	History       []model.Message
	Summary       []string
	Salience      []string
	WebContext    string
	RevisionNotes []string
}

// SynthesisResult is one generation's outcome after validation.
type SynthesisResult struct {
	Answer     string
	ResponseID string
	Usage      llmclient.Usage
	// Substituted is set when validation replaced the model's answer
	// with a refusal sentinel.
	Substituted bool
}

// Synthesizer builds the grounded prompt and produces validated answers.
type Synthesizer struct {
	llm LLM
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(llm LLM) *Synthesizer {
	return &Synthesizer{llm: llm}
}

// BuildPrompt assembles the named prompt sections. Reference [n] labels
// match the 1-based positions the UI resolves against.
func BuildPrompt(in SynthesisInput) string {
	var sb strings.Builder

	sb.WriteString("=== INSTRUCTIONS ===\n")
	sb.WriteString("Answer using only the provided knowledge. Cite sources inline as [n] ")
	sb.WriteString("matching the numbered references. Every factual claim needs a citation. ")
	sb.WriteString("If the knowledge is insufficient, say \"I do not know.\" and explain what is missing.\n\n")

	if len(in.Salience) > 0 {
		sb.WriteString("=== PINNED CONTEXT ===\n")
		for _, s := range in.Salience {
			sb.WriteString("- " + s + "\n")
		}
		sb.WriteString("\n")
	}

	if len(in.Summary) > 0 {
		sb.WriteString("=== CONVERSATION SUMMARY ===\n")
		for _, s := range in.Summary {
			sb.WriteString("- " + s + "\n")
		}
		sb.WriteString("\n")
	}

	if len(in.History) > 0 {
		sb.WriteString("=== RECENT HISTORY ===\n")
		for _, m := range in.History {
			sb.WriteString(m.Role + ": " + m.Content + "\n")
		}
		sb.WriteString("\n")
	}

	if len(in.References) > 0 {
		sb.WriteString("=== KNOWLEDGE ===\n")
		for i, ref := range in.References {
			label := fmt.Sprintf("[%d]", i+1)
			if ref.Title != "" {
				label += " " + ref.Title
			}
			sb.WriteString(label + "\n" + ref.DisplayText() + "\n\n")
		}
	}

	if in.WebContext != "" {
		sb.WriteString("=== WEB CONTEXT ===\n")
		sb.WriteString(in.WebContext + "\n\n")
	}

	sb.WriteString("=== QUESTION ===\n")
	sb.WriteString(in.Question + "\n")

	if len(in.RevisionNotes) > 0 {
		sb.WriteString("\n=== REVISION NOTES ===\n")
		sb.WriteString("A reviewer flagged these issues with your previous answer; address them:\n")
		for _, note := range in.RevisionNotes {
			sb.WriteString("- " + note + "\n")
		}
	}

	return sb.String()
}

// Generate produces a validated answer synchronously.
func (s *Synthesizer) Generate(ctx context.Context, in SynthesisInput, opts llmclient.Options) (*SynthesisResult, error) {
	opts.User = in.SessionID

	completion, err := s.llm.Complete(ctx, BuildPrompt(in), opts)
	if err != nil {
		return nil, err
	}

	answer, substituted := ValidateCitations(completion.Text, in.References)
	return &SynthesisResult{
		Answer:      answer,
		ResponseID:  completion.ResponseID,
		Usage:       completion.Usage,
		Substituted: substituted,
	}, nil
}

// GenerateStream produces a validated answer while streaming token
// events through emit. A chunk counts as successful only when its text
// is non-empty; a stream that never yields one raises empty_stream.
func (s *Synthesizer) GenerateStream(ctx context.Context, in SynthesisInput, opts llmclient.Options, emit telemetry.Emitter) (*SynthesisResult, error) {
	if emit == nil {
		emit = telemetry.NopEmitter
	}
	opts.User = in.SessionID

	stream, err := s.llm.CompleteStream(ctx, BuildPrompt(in), opts)
	if err != nil {
		return nil, err
	}

	var full strings.Builder
	successfulChunks := 0
	seenReasoning := make(map[string]bool)
	var completion *llmclient.Completion

	for ev := range stream.Events() {
		switch ev.Type {
		case llmclient.StreamDelta:
			if ev.Text == "" {
				continue
			}
			successfulChunks++
			full.WriteString(ev.Text)
			emit(telemetry.EventToken, map[string]any{"text": ev.Text})

		case llmclient.StreamReasoning:
			// Deduplicate by exact content, not normalized whitespace.
			if seenReasoning[ev.Text] {
				continue
			}
			seenReasoning[ev.Text] = true
			emit(telemetry.EventTrace, map[string]any{
				"type": "reasoning_summary",
				"text": ev.Text,
			})

		case llmclient.StreamCompleted:
			completion = ev.Completion

		case llmclient.StreamFailed:
			return nil, ev.Err
		}
	}

	if successfulChunks == 0 {
		return nil, apperr.New(apperr.KindUpstream5xx, "empty_stream: no non-empty chunks received")
	}

	answer := full.String()
	if completion != nil && completion.Text != "" {
		answer = completion.Text
	}

	validated, substituted := ValidateCitations(answer, in.References)
	if substituted {
		// The raw tokens already reached the client; append the notice
		// and flag the integrity failure. The complete event carries the
		// substituted answer.
		emit(telemetry.EventToken, map[string]any{"text": streamCitationNotice})
		emit(telemetry.EventWarning, map[string]any{"type": "citation_integrity"})
	}

	result := &SynthesisResult{Answer: validated, Substituted: substituted}
	if completion != nil {
		result.ResponseID = completion.ResponseID
		result.Usage = completion.Usage
	}
	return result, nil
}
