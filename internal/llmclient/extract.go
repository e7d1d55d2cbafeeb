package llmclient

import "encoding/json"

// responseBody is the wire shape of a completed response. Only the
// fields the extractor reads are declared.
type responseBody struct {
	ID         string          `json:"id"`
	OutputText string          `json:"output_text"`
	Output     []outputItem    `json:"output"`
	OutputJSON json.RawMessage `json:"output_json"`
	Parsed     json.RawMessage `json:"parsed"`
	Usage      Usage           `json:"usage"`
	Error      *wireError      `json:"error"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentItem `json:"content"`
	// Tool calls carry their arguments as a JSON string.
	Arguments string `json:"arguments"`
	Summary   []contentItem `json:"summary"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// extractText normalizes a completed response into its output text. The
// layers are tried in order: output_text, concatenated message content,
// serialized output_json, tool-call arguments, parsed. An empty return
// is an explicit failure signal — callers must not parse "" as JSON.
func extractText(body *responseBody) string {
	if body.OutputText != "" {
		return body.OutputText
	}

	var joined string
	for _, item := range body.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Type == "text" {
				joined += c.Text
			}
		}
	}
	if joined != "" {
		return joined
	}

	if len(body.OutputJSON) > 0 && string(body.OutputJSON) != "null" {
		return string(body.OutputJSON)
	}

	for _, item := range body.Output {
		if item.Type == "function_call" && item.Arguments != "" {
			return item.Arguments
		}
	}

	if len(body.Parsed) > 0 && string(body.Parsed) != "null" {
		return string(body.Parsed)
	}

	return ""
}

// extractReasoningSummary joins any reasoning summary items on a
// completed response.
func extractReasoningSummary(body *responseBody) string {
	var joined string
	for _, item := range body.Output {
		if item.Type != "reasoning" {
			continue
		}
		for _, s := range item.Summary {
			if joined != "" {
				joined += "\n"
			}
			joined += s.Text
		}
	}
	return joined
}
