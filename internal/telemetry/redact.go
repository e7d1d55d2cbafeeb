package telemetry

import (
	"regexp"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// Redaction patterns applied to every stored question, answer, and event
// payload. Replacement markers contain no pattern characters, so a
// second pass is a no-op.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// RedactText replaces PII-shaped substrings with stable markers.
// Idempotent: RedactText(RedactText(s)) == RedactText(s).
func RedactText(s string) string {
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = ssnPattern.ReplaceAllString(s, "[SSN]")
	s = cardPattern.ReplaceAllString(s, "[CARD]")
	return s
}

// redactValue walks an event payload value, redacting every string.
func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return RedactText(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}

// RedactRecord returns a copy of the record safe for persistence: the
// question, answer, and every captured event payload pass through the
// redaction patterns. The redaction is event-agnostic.
func RedactRecord(rec model.TurnRecord) model.TurnRecord {
	rec.Question = RedactText(rec.Question)
	rec.Answer = RedactText(rec.Answer)

	events := make([]model.CapturedEvent, len(rec.Events))
	for i, ev := range rec.Events {
		redacted := ev
		if ev.Data != nil {
			redacted.Data = redactValue(ev.Data).(map[string]any)
		}
		events[i] = redacted
	}
	rec.Events = events
	return rec
}
