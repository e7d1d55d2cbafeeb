package llmclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
)

// StreamEventType discriminates the events a stream yields.
type StreamEventType int

const (
	// StreamDelta carries a concatenable answer-text fragment.
	StreamDelta StreamEventType = iota
	// StreamReasoning carries a reasoning-summary fragment with its
	// sequencing key.
	StreamReasoning
	// StreamCompleted carries the final text and usage.
	StreamCompleted
	// StreamFailed carries a terminal error.
	StreamFailed
)

// StreamEvent is one event yielded by CompleteStream.
type StreamEvent struct {
	Type StreamEventType
	Text string

	// Reasoning-summary sequencing (valid when Type == StreamReasoning).
	ItemID       string
	OutputIndex  int
	SummaryIndex int

	// Terminal fields.
	Completion *Completion
	Err        error
}

// Stream yields events until a terminal Completed or Failed event, after
// which the channel closes.
type Stream struct {
	events chan StreamEvent
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// wire shapes for streamed server-sent events.
type streamChunk struct {
	Type         string        `json:"type"`
	Delta        string        `json:"delta"`
	ItemID       string        `json:"item_id"`
	OutputIndex  int           `json:"output_index"`
	SummaryIndex int           `json:"summary_index"`
	Response     *responseBody `json:"response"`
	Error        *wireError    `json:"error"`
}

// CompleteStream performs a streaming completion. The returned stream
// preserves delta order; reasoning-summary fragments are accumulated per
// (item_id, output_index, summary_index) and their buffers are released
// on the summary's done signal.
func (c *Client) CompleteStream(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	body := c.buildRequest(prompt, opts, true)

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", strings.NewReader(string(encoded)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.auth != nil {
		if err := c.auth.Apply(ctx, req); err != nil {
			return nil, err
		}
	}

	// The stream must outlive the client's default timeout; cancellation
	// is the caller's context.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindCancelled, "stream cancelled", ctx.Err())
		}
		return nil, apperr.Wrap(apperr.KindTransport, "stream request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw := make([]byte, 2048)
		n, _ := resp.Body.Read(raw)
		return nil, c.statusError(resp, raw[:n])
	}

	stream := &Stream{events: make(chan StreamEvent, 16)}
	go c.consume(ctx, resp, stream)
	return stream, nil
}

// consume reads server-sent events off the response body and translates
// them into stream events.
func (c *Client) consume(ctx context.Context, resp *http.Response, stream *Stream) {
	defer resp.Body.Close()
	defer close(stream.events)

	// Per-summary accumulation, deleted on the done signal. Leaving
	// entries behind after completion is a known leak.
	summaries := make(map[string]*strings.Builder)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var fullText strings.Builder
	terminal := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // tolerate unknown frames
		}

		switch chunk.Type {
		case "response.output_text.delta":
			if chunk.Delta != "" {
				fullText.WriteString(chunk.Delta)
				if !send(ctx, stream, StreamEvent{Type: StreamDelta, Text: chunk.Delta}) {
					return
				}
			}

		case "response.reasoning_summary_text.delta":
			key := summaryKey(chunk.ItemID, chunk.OutputIndex, chunk.SummaryIndex)
			buf, ok := summaries[key]
			if !ok {
				buf = &strings.Builder{}
				summaries[key] = buf
			}
			buf.WriteString(chunk.Delta)

		case "response.reasoning_summary_text.done":
			key := summaryKey(chunk.ItemID, chunk.OutputIndex, chunk.SummaryIndex)
			if buf, ok := summaries[key]; ok {
				text := buf.String()
				delete(summaries, key)
				if text != "" {
					if !send(ctx, stream, StreamEvent{
						Type:         StreamReasoning,
						Text:         text,
						ItemID:       chunk.ItemID,
						OutputIndex:  chunk.OutputIndex,
						SummaryIndex: chunk.SummaryIndex,
					}) {
						return
					}
				}
			}

		case "response.completed":
			terminal = true
			completion := &Completion{Text: fullText.String()}
			if chunk.Response != nil {
				completion.ResponseID = chunk.Response.ID
				completion.Usage = chunk.Response.Usage
				if extracted := extractText(chunk.Response); extracted != "" {
					completion.Text = extracted
				}
				completion.ReasoningSummary = extractReasoningSummary(chunk.Response)
			}
			send(ctx, stream, StreamEvent{Type: StreamCompleted, Completion: completion})
			return

		case "response.failed", "error":
			terminal = true
			message := "stream failed"
			if chunk.Error != nil && chunk.Error.Message != "" {
				message = chunk.Error.Message
			}
			send(ctx, stream, StreamEvent{Type: StreamFailed, Err: apperr.New(apperr.KindUpstream5xx, message)})
			return
		}
	}

	if !terminal {
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("stream ended without completion")
		}
		send(ctx, stream, StreamEvent{Type: StreamFailed, Err: apperr.Wrap(apperr.KindTransport, "stream interrupted", err)})
	}
}

func send(ctx context.Context, stream *Stream, ev StreamEvent) bool {
	select {
	case stream.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func summaryKey(itemID string, outputIndex, summaryIndex int) string {
	return fmt.Sprintf("%s:%d:%d", itemID, outputIndex, summaryIndex)
}
