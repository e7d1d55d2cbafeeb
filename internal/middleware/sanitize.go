package middleware

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// SanitizeLimits bounds inbound chat payloads.
type SanitizeLimits struct {
	MaxMessages      int
	MaxMessageLength int
	// MaxQueryLength bounds the latest user question. A question of
	// exactly this length is accepted.
	MaxQueryLength int
}

var (
	codeOpenPattern  = regexp.MustCompile(`(?i)<\s*(code|pre)[^>]*>`)
	codeClosePattern = regexp.MustCompile(`(?i)</\s*(code|pre)\s*>`)
	scriptPattern    = regexp.MustCompile(`(?is)<\s*script[^>]*>.*?</\s*script\s*>`)
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
)

// ValidateMessages enforces the inbound message contract: bounded count,
// known roles, string content, bounded length. The length check runs
// before per-message role validation so an oversized payload is rejected
// cheaply.
func ValidateMessages(messages []model.Message, limits SanitizeLimits) error {
	if messages == nil {
		return fmt.Errorf("messages is required")
	}
	if limits.MaxMessages > 0 && len(messages) > limits.MaxMessages {
		return fmt.Errorf("too many messages: %d exceeds limit %d", len(messages), limits.MaxMessages)
	}
	if limits.MaxMessageLength > 0 {
		for i, m := range messages {
			if len(m.Content) > limits.MaxMessageLength {
				return fmt.Errorf("message %d exceeds %d character limit", i, limits.MaxMessageLength)
			}
		}
	}
	for i, m := range messages {
		if !model.ValidRole(m.Role) {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
	}
	return nil
}

// StripMarkup removes HTML and script markup from content while keeping
// code intact: <code>/<pre> wrappers become backtick fences before tags
// are stripped.
func StripMarkup(content string) string {
	content = scriptPattern.ReplaceAllString(content, "")
	content = codeOpenPattern.ReplaceAllString(content, "`")
	content = codeClosePattern.ReplaceAllString(content, "`")
	content = tagPattern.ReplaceAllString(content, "")
	return content
}

// SanitizeMessages validates and strips markup from each message,
// returning clean copies.
func SanitizeMessages(messages []model.Message, limits SanitizeLimits) ([]model.Message, error) {
	if err := ValidateMessages(messages, limits); err != nil {
		return nil, err
	}
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		m.Content = strings.TrimSpace(StripMarkup(m.Content))
		out[i] = m
	}
	return out, nil
}

// SanitizeFeatureOverrides keeps only boolean values; non-boolean values
// and unknown keys are dropped downstream during feature resolution.
func SanitizeFeatureOverrides(raw map[string]any) map[string]bool {
	if raw == nil {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}
