// Package webclient performs external keyword web search and the
// optional structured-paper lookups that supplement it.
package webclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

// Safe-search modes.
const (
	SafeOff    = "off"
	SafeActive = "active"
	SafeHigh   = "high"
)

// Options configures one web search.
type Options struct {
	Count       int
	SafeSearch  string
	RecencyDays int
	Mode        string
}

// Result is the gateway's output: ranked hits plus context text already
// trimmed to the caller's token budget.
type Result struct {
	Results     []model.WebResult
	ContextText string
	Tokens      int
	Trimmed     bool
	// MissingConfig is set when no API endpoint/key is configured; the
	// result set is empty and callers decide whether that is fatal.
	MissingConfig bool
}

// TokenEstimator counts tokens for context trimming.
type TokenEstimator interface {
	Estimate(text string) int
}

// EventRecorder receives gateway telemetry events.
type EventRecorder func(event string, data map[string]any)

// Client is the web search gateway, speaking a SearXNG-compatible JSON
// API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      apperr.RetryConfig
	estimator  TokenEstimator
	maxTokens  int
	record     EventRecorder
}

// New creates a web search Client. maxTokens bounds the assembled
// context text.
func New(baseURL, apiKey string, estimator TokenEstimator, maxTokens int, record EventRecorder, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	if record == nil {
		record = func(string, map[string]any) {}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      apperr.DefaultRetryConfig(),
		estimator:  estimator,
		maxTokens:  maxTokens,
		record:     record,
	}
}

type searxResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		PublishedDate string  `json:"publishedDate"`
		Score         float64 `json:"score"`
	} `json:"results"`
}

// Search runs one keyword query. A missing endpoint yields an empty
// result with MissingConfig set and a missing_config telemetry event,
// not an error.
func (c *Client) Search(ctx context.Context, query string, opts Options) (*Result, error) {
	if c.baseURL == "" {
		c.record("missing_config", map[string]any{"service": "web_search"})
		return &Result{Results: []model.WebResult{}, MissingConfig: true}, nil
	}
	if opts.Count <= 0 {
		opts.Count = 5
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("safesearch", safeSearchLevel(opts.SafeSearch))
	if opts.RecencyDays > 0 {
		params.Set("time_range", recencyRange(opts.RecencyDays))
	}
	if opts.Mode != "" {
		params.Set("categories", opts.Mode)
	}

	endpoint := c.baseURL + "/search?" + params.Encode()

	parsed, _, err := apperr.WithRetry(ctx, "web.search", c.retry, func(ctx context.Context) (*searxResponse, error) {
		return c.fetch(ctx, endpoint)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]model.WebResult, 0, opts.Count)
	for i, r := range parsed.Results {
		if i >= opts.Count {
			break
		}
		results = append(results, model.WebResult{
			ID:        fmt.Sprintf("web-%d-%s", i+1, shortHost(r.URL)),
			Title:     r.Title,
			Snippet:   r.Content,
			URL:       r.URL,
			Rank:      i + 1,
			FetchedAt: now,
		})
	}

	contextText, tokens, trimmed := c.assembleContext(results)
	if trimmed {
		c.record("web_context_trim", map[string]any{"tokens": tokens, "max_tokens": c.maxTokens})
	}

	return &Result{
		Results:     results,
		ContextText: contextText,
		Tokens:      tokens,
		Trimmed:     trimmed,
	}, nil
}

// assembleContext joins results in rank order, cutting off at the token
// budget.
func (c *Client) assembleContext(results []model.WebResult) (string, int, bool) {
	var sb strings.Builder
	total := 0
	trimmed := false

	for _, r := range results {
		block := fmt.Sprintf("[%s] %s\n%s\n\n", r.ID, r.Title, r.Snippet)
		blockTokens := c.estimator.Estimate(block)
		if total+blockTokens > c.maxTokens {
			trimmed = true
			break
		}
		sb.WriteString(block)
		total += blockTokens
	}

	return strings.TrimRight(sb.String(), "\n"), total, trimmed
}

func (c *Client) fetch(ctx context.Context, endpoint string) (*searxResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
		return nil, apperr.New(apperr.KindForStatus(resp.StatusCode),
			fmt.Sprintf("web search status %d", resp.StatusCode))
	}

	var parsed searxResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed web search body", err)
	}
	return &parsed, nil
}

func safeSearchLevel(mode string) string {
	switch mode {
	case SafeHigh:
		return "2"
	case SafeActive:
		return "1"
	default:
		return "0"
	}
}

func recencyRange(days int) string {
	switch {
	case days <= 1:
		return "day"
	case days <= 7:
		return "week"
	case days <= 31:
		return "month"
	default:
		return "year"
	}
}

func shortHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(u.Host, "www.")
	if len(host) > 24 {
		host = host[:24]
	}
	return host
}
