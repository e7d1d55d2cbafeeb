// Package llmclient talks to the hosted LLM's response API: typed
// completions, streaming, strict structured outputs, and embeddings.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
)

// JSONSchema requests a strict structured output.
type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// Options configures a single completion call.
type Options struct {
	Model              string
	Temperature        *float64
	MaxOutputTokens    int
	Schema             *JSONSchema
	PreviousResponseID string
	ParallelToolCalls  *bool
	User               string
	Store              bool
}

// Usage is the token accounting on a completed response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completion is the result of a synchronous completion call.
type Completion struct {
	Text             string
	Usage            Usage
	ResponseID       string
	ReasoningSummary string
}

// Client is the LLM gateway. All requests go through the injected
// HeaderProvider; retries go through the shared wrapper.
type Client struct {
	baseURL     string
	auth        HeaderProvider
	httpClient  *http.Client
	retry       apperr.RetryConfig
	environment string
	embedModel  string
	// reasoningPrefixes name model families that reject an explicit
	// sampling temperature.
	reasoningPrefixes []string
}

// New creates a Client. environment controls error-body sanitization:
// full bodies in development, status-only otherwise.
func New(baseURL string, auth HeaderProvider, environment string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		auth:              auth,
		httpClient:        &http.Client{Timeout: timeout},
		retry:             apperr.DefaultRetryConfig(),
		environment:       environment,
		embedModel:        "text-embedding-3-small",
		reasoningPrefixes: []string{"o1", "o3", "o4", "gpt-5"},
	}
}

// SetEmbedModel overrides the embedding model used by Embed.
func (c *Client) SetEmbedModel(model string) {
	if model != "" {
		c.embedModel = model
	}
}

// requestBody is the response-API request shape.
type requestBody struct {
	Model              string      `json:"model"`
	Input              string      `json:"input"`
	Temperature        *float64    `json:"temperature,omitempty"`
	MaxOutputTokens    int         `json:"max_output_tokens,omitempty"`
	Text               *textFormat `json:"text,omitempty"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
	ParallelToolCalls  *bool       `json:"parallel_tool_calls,omitempty"`
	User               string      `json:"user,omitempty"`
	Store              bool        `json:"store,omitempty"`
	Stream             bool        `json:"stream,omitempty"`
}

type textFormat struct {
	Format formatSpec `json:"format"`
}

type formatSpec struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict bool            `json:"strict,omitempty"`
}

// buildRequest assembles the wire request, suppressing temperature for
// reasoning-mode models and sanitizing the user field.
func (c *Client) buildRequest(prompt string, opts Options, stream bool) requestBody {
	body := requestBody{
		Model:              opts.Model,
		Input:              prompt,
		MaxOutputTokens:    opts.MaxOutputTokens,
		PreviousResponseID: opts.PreviousResponseID,
		ParallelToolCalls:  opts.ParallelToolCalls,
		Store:              opts.Store,
		Stream:             stream,
	}
	if opts.Temperature != nil && !c.isReasoningModel(opts.Model) {
		body.Temperature = opts.Temperature
	}
	if opts.User != "" {
		body.User = SanitizeUser(opts.User)
	}
	if opts.Schema != nil {
		body.Text = &textFormat{Format: formatSpec{
			Type:   "json_schema",
			Name:   opts.Schema.Name,
			Schema: opts.Schema.Schema,
			Strict: opts.Schema.Strict,
		}}
	}
	return body
}

func (c *Client) isReasoningModel(model string) bool {
	for _, prefix := range c.reasoningPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete performs a synchronous completion.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	body := c.buildRequest(prompt, opts, false)

	result, _, err := apperr.WithRetry(ctx, "llm.complete", c.retry, func(ctx context.Context) (*Completion, error) {
		return c.doComplete(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doComplete(ctx context.Context, body requestBody) (*Completion, error) {
	raw, err := c.postJSON(ctx, "/responses", body)
	if err != nil {
		return nil, err
	}

	var parsed responseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed response body", err)
	}
	if parsed.Error != nil {
		return nil, apperr.New(apperr.KindUpstream5xx, parsed.Error.Message)
	}

	return &Completion{
		Text:             extractText(&parsed),
		Usage:            parsed.Usage,
		ResponseID:       parsed.ID,
		ReasoningSummary: extractReasoningSummary(&parsed),
	}, nil
}

// Embed returns one vector per input text, in order, from a single call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type embedRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	type embedResponse struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}

	body := embedRequest{Model: c.embedModel, Input: texts}

	vecs, _, err := apperr.WithRetry(ctx, "llm.embed", c.retry, func(ctx context.Context) ([][]float32, error) {
		raw, err := c.postJSON(ctx, "/embeddings", body)
		if err != nil {
			return nil, err
		}
		var parsed embedResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "malformed embeddings body", err)
		}
		if len(parsed.Data) != len(texts) {
			return nil, apperr.New(apperr.KindParse,
				fmt.Sprintf("embeddings: got %d vectors for %d inputs", len(parsed.Data), len(texts)))
		}
		result := make([][]float32, len(texts))
		for _, d := range parsed.Data {
			if d.Index < 0 || d.Index >= len(result) {
				return nil, apperr.New(apperr.KindParse, "embeddings: index out of range")
			}
			result[d.Index] = d.Embedding
		}
		return result, nil
	})
	return vecs, err
}

// StoredResponse is the server-side stored response surface used by the
// pass-through endpoints.
type StoredResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// GetResponse fetches a server-stored response by id.
func (c *Client) GetResponse(ctx context.Context, id string, include []string) (*StoredResponse, error) {
	path := "/responses/" + id
	if len(include) > 0 {
		path += "?include=" + strings.Join(include, ",")
	}
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed stored response", err)
	}
	return &resp, nil
}

// DeleteResponse removes a server-stored response.
func (c *Client) DeleteResponse(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/responses/"+id, nil)
	return err
}

// ListInputItems returns the raw input items of a stored response.
func (c *Client) ListInputItems(ctx context.Context, id string) (json.RawMessage, error) {
	raw, err := c.do(ctx, http.MethodGet, "/responses/"+id+"/input_items", nil)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// postJSON issues a POST with a JSON body and returns the raw response.
func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal request", err)
	}
	return c.do(ctx, http.MethodPost, path, encoded)
}

// do issues one HTTP request with auth, mapping failures to the typed
// taxonomy with a correlation id.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		if err := c.auth.Apply(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindCancelled, "request cancelled", ctx.Err())
		}
		return nil, apperr.Wrap(apperr.KindTransport, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(resp, raw)
	}
	return raw, nil
}

// statusError builds the typed error for a non-2xx response.
func (c *Client) statusError(resp *http.Response, raw []byte) error {
	correlation := resp.Header.Get("X-Request-Id")
	if correlation == "" {
		correlation = uuid.NewString()
	}

	message := fmt.Sprintf("upstream status %d", resp.StatusCode)
	if c.environment == "development" && len(raw) > 0 {
		message = fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncateBody(raw, 512))
	}

	return apperr.New(apperr.KindForStatus(resp.StatusCode), message).
		WithCorrelation(correlation).
		WithContext("status", resp.StatusCode)
}

func truncateBody(raw []byte, n int) string {
	s := string(raw)
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
