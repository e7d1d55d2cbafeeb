package telemetry

import (
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

func TestRedactText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"email", "reach me at jane.doe@example.com please", "reach me at [EMAIL] please"},
		{"card", "card 4111 1111 1111 1111 on file", "card [CARD] on file"},
		{"card dashed", "4111-1111-1111-1111", "[CARD]"},
		{"ssn", "ssn is 123-45-6789", "ssn is [SSN]"},
		{"clean", "nothing sensitive here", "nothing sensitive here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactText(tt.in); got != tt.want {
				t.Errorf("RedactText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactText_Idempotent(t *testing.T) {
	in := "mail a@b.co card 4111111111111111 ssn 123-45-6789"
	once := RedactText(in)
	twice := RedactText(once)
	if once != twice {
		t.Errorf("not idempotent: %q vs %q", once, twice)
	}
}

func TestRedactRecord(t *testing.T) {
	rec := model.TurnRecord{
		Question: "email me at a@b.co",
		Answer:   "your ssn 123-45-6789 is on file",
		Events: []model.CapturedEvent{
			{Event: EventComplete, Data: map[string]any{
				"answer": "contact x@y.io",
				"nested": map[string]any{"detail": "card 4111111111111111"},
				"list":   []any{"c@d.org", 42},
			}},
		},
	}

	redacted := RedactRecord(rec)

	if redacted.Question != "email me at [EMAIL]" {
		t.Errorf("Question = %q", redacted.Question)
	}
	if redacted.Answer != "your ssn [SSN] is on file" {
		t.Errorf("Answer = %q", redacted.Answer)
	}

	data := redacted.Events[0].Data
	if data["answer"] != "contact [EMAIL]" {
		t.Errorf("event answer = %v", data["answer"])
	}
	nested := data["nested"].(map[string]any)
	if nested["detail"] != "card [CARD]" {
		t.Errorf("nested = %v", nested["detail"])
	}
	list := data["list"].([]any)
	if list[0] != "[EMAIL]" || list[1] != 42 {
		t.Errorf("list = %v", list)
	}

	// Original untouched.
	if rec.Events[0].Data["answer"] != "contact x@y.io" {
		t.Error("redaction must not mutate the source record")
	}
}
