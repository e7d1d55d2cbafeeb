// Package searchclient talks to the hosted hybrid search index: combined
// keyword+vector queries with reranker scoring, pure vector queries, and
// summary-first lazy retrieval.
package searchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

// HybridOptions configures a hybrid search call.
type HybridOptions struct {
	Top               int
	Filter            string
	RerankerThreshold float64
	SelectFields      []string
	SearchFields      []string
}

// VectorOptions configures a pure vector search call.
type VectorOptions struct {
	Top          int
	Filter       string
	SelectFields []string
}

// LazyOptions configures a summary-first search call.
type LazyOptions struct {
	Query             string
	Top               int
	RerankerThreshold float64
	SummaryMaxChars   int
	PrefetchCount     int
}

// SearchResult is the gateway's normalized output. Coverage, when the
// index reports it, is on the [0,1] scale regardless of the wire scale.
type SearchResult struct {
	References []model.Reference
	Coverage   *float64
	// ThresholdExhausted is set when a positive reranker threshold
	// filtered out every candidate. The reference list is empty in that
	// case — never the unfiltered set.
	ThresholdExhausted bool
}

// LazyResult pairs summary references with their full-content loaders.
type LazyResult struct {
	References         []*model.LazyReference
	Coverage           *float64
	ThresholdExhausted bool
}

// IndexStats is the document/storage footprint of the index.
type IndexStats struct {
	DocumentCount int64 `json:"documentCount"`
	StorageSize   int64 `json:"storageSize"`
}

// Client is the search gateway.
type Client struct {
	baseURL    string
	index      string
	auth       llmclient.HeaderProvider
	httpClient *http.Client
	retry      apperr.RetryConfig
	warnings   *warningDedup
}

// New creates a search Client for one index.
func New(baseURL, index string, auth llmclient.HeaderProvider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		index:      index,
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
		retry:      apperr.DefaultRetryConfig(),
		warnings:   newWarningDedup(10 * time.Minute),
	}
}

// wire shapes.
type searchRequest struct {
	Search            string   `json:"search,omitempty"`
	Vector            []float32 `json:"vector,omitempty"`
	VectorizeQuery    bool     `json:"vectorizeQuery,omitempty"`
	QueryType         string   `json:"queryType"`
	Top               int      `json:"top"`
	Filter            string   `json:"filter,omitempty"`
	Select            []string `json:"select,omitempty"`
	SearchFields      []string `json:"searchFields,omitempty"`
	SummaryMaxChars   int      `json:"summaryMaxChars,omitempty"`
}

type searchResponse struct {
	Value    []searchDoc `json:"value"`
	Coverage *float64    `json:"coverage"`
}

type searchDoc struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Summary       string         `json:"summary"`
	URL           string         `json:"url"`
	PageNumber    int            `json:"pageNumber"`
	RerankerScore float64        `json:"rerankerScore"`
	Score         float64        `json:"score"`
	Metadata      map[string]any `json:"metadata"`
}

// HybridSearch issues a combined keyword+vector query with reranker
// post-scoring, applying the threshold at the gateway boundary.
func (c *Client) HybridSearch(ctx context.Context, sessionID, query string, opts HybridOptions) (*SearchResult, error) {
	if err := c.checkFilter(opts.Filter); err != nil {
		return nil, err
	}
	if opts.Top <= 0 {
		opts.Top = 5
	}

	req := searchRequest{
		Search:         query,
		VectorizeQuery: true,
		QueryType:      "semantic",
		Top:            opts.Top,
		Filter:         opts.Filter,
		Select:         opts.SelectFields,
		SearchFields:   opts.SearchFields,
	}

	resp, err := c.search(ctx, "search.hybrid", req)
	if err != nil {
		return nil, err
	}

	refs := docsToReferences(resp.Value)
	result := &SearchResult{Coverage: normalizeCoverage(resp.Coverage)}

	if opts.RerankerThreshold > 0 {
		kept := filterByThreshold(refs, opts.RerankerThreshold)
		if len(kept) == 0 && len(refs) > 0 {
			// Every candidate was below the threshold. Returning the
			// unfiltered set here would misrepresent it as filtered.
			c.warnOnce(sessionID, "threshold_exhausted",
				"query", truncateQuery(query),
				"threshold", opts.RerankerThreshold,
				"candidates", len(refs),
			)
			result.ThresholdExhausted = true
			result.References = []model.Reference{}
			return result, nil
		}
		refs = kept
	}

	result.References = refs
	return result, nil
}

// VectorSearch issues a pure vector query. Either query text (vectorized
// server-side) or a pre-computed embedding may be supplied.
func (c *Client) VectorSearch(ctx context.Context, query string, embedding []float32, opts VectorOptions) (*SearchResult, error) {
	if err := c.checkFilter(opts.Filter); err != nil {
		return nil, err
	}
	if opts.Top <= 0 {
		opts.Top = 5
	}

	req := searchRequest{
		QueryType: "vector",
		Top:       opts.Top,
		Filter:    opts.Filter,
		Select:    opts.SelectFields,
	}
	if len(embedding) > 0 {
		req.Vector = embedding
	} else {
		req.Search = query
		req.VectorizeQuery = true
	}

	resp, err := c.search(ctx, "search.vector", req)
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		References: docsToReferences(resp.Value),
		Coverage:   normalizeCoverage(resp.Coverage),
	}, nil
}

// defaultSummaryMaxChars clamps lazy summaries when the caller does not.
const defaultSummaryMaxChars = 300

// LazyHybridSearch retrieves summary-first references. Each reference
// carries a loader that fetches the full chunk by exact id; the first
// PrefetchCount references are hydrated before return.
func (c *Client) LazyHybridSearch(ctx context.Context, sessionID string, opts LazyOptions) (*LazyResult, error) {
	if opts.SummaryMaxChars <= 0 {
		opts.SummaryMaxChars = defaultSummaryMaxChars
	}

	hybrid, err := c.HybridSearch(ctx, sessionID, opts.Query, HybridOptions{
		Top:               opts.Top,
		RerankerThreshold: opts.RerankerThreshold,
		SelectFields:      []string{"id", "title", "summary", "url", "pageNumber"},
	})
	if err != nil {
		return nil, err
	}

	result := &LazyResult{
		Coverage:           hybrid.Coverage,
		ThresholdExhausted: hybrid.ThresholdExhausted,
	}

	for _, ref := range hybrid.References {
		summary := ref.Summary
		if summary == "" {
			summary = ref.Content
		}
		if len(summary) > opts.SummaryMaxChars {
			summary = summary[:opts.SummaryMaxChars]
		}

		lazy := ref
		lazy.Content = ""
		lazy.Summary = summary

		id := ref.ID
		result.References = append(result.References, model.NewLazyReference(lazy, func(ctx context.Context) (string, error) {
			return c.fetchContent(ctx, id)
		}))
	}

	for i := 0; i < opts.PrefetchCount && i < len(result.References); i++ {
		if err := result.References[i].Hydrate(ctx); err != nil {
			slog.Warn("lazy prefetch failed", "doc_id", result.References[i].Ref.ID, "error", err)
		}
	}

	return result, nil
}

// Stats returns the index footprint.
func (c *Client) Stats(ctx context.Context) (*IndexStats, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/indexes/%s/stats", c.index), nil)
	if err != nil {
		return nil, err
	}
	var stats IndexStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed stats body", err)
	}
	return &stats, nil
}

// fetchContent loads one document's full content by exact id.
func (c *Client) fetchContent(ctx context.Context, id string) (string, error) {
	raw, _, err := apperr.WithRetry(ctx, "search.fetch", c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, fmt.Sprintf("/indexes/%s/docs/%s", c.index, id), nil)
	})
	if err != nil {
		return "", err
	}
	var doc searchDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", apperr.Wrap(apperr.KindParse, "malformed document body", err)
	}
	if doc.Content == "" {
		return "", apperr.New(apperr.KindParse, fmt.Sprintf("document %s has no content", id))
	}
	return doc.Content, nil
}

func (c *Client) search(ctx context.Context, operation string, req searchRequest) (*searchResponse, error) {
	resp, _, err := apperr.WithRetry(ctx, operation, c.retry, func(ctx context.Context) (*searchResponse, error) {
		raw, err := c.postJSON(ctx, fmt.Sprintf("/indexes/%s/docs/search", c.index), req)
		if err != nil {
			return nil, err
		}
		var parsed searchResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "malformed search body", err)
		}
		return &parsed, nil
	})
	return resp, err
}

// checkFilter validates planner-supplied filters against the closed
// grammar; anything else is rejected and logged, never forwarded.
func (c *Client) checkFilter(filter string) error {
	if filter == "" {
		return nil
	}
	if err := ValidateFilter(filter); err != nil {
		slog.Warn("rejected search filter", "filter", filter, "error", err)
		return apperr.Wrap(apperr.KindValidation, "invalid search filter", err)
	}
	return nil
}

// warnOnce logs a warning at most once per (session, warning) in the
// dedup TTL window.
func (c *Client) warnOnce(sessionID, warning string, args ...any) {
	if c.warnings.seen(sessionID + ":" + warning) {
		return
	}
	slog.Warn("search "+warning, append([]any{"session_id", sessionID}, args...)...)
}

func (c *Client) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal request", err)
	}
	return c.do(ctx, http.MethodPost, path, encoded)
}

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
		correlation := resp.Header.Get("X-Request-Id")
		if correlation == "" {
			correlation = uuid.NewString()
		}
		return nil, apperr.New(apperr.KindForStatus(resp.StatusCode),
			fmt.Sprintf("search upstream status %d", resp.StatusCode)).
			WithCorrelation(correlation).
			WithContext("status", resp.StatusCode)
	}
	return raw, nil
}

// docsToReferences converts wire documents, dropping any with no
// displayable text: an empty reference must never reach the model.
func docsToReferences(docs []searchDoc) []model.Reference {
	refs := make([]model.Reference, 0, len(docs))
	for _, d := range docs {
		ref := model.Reference{
			ID:         d.ID,
			Title:      d.Title,
			Content:    d.Content,
			Summary:    d.Summary,
			URL:        d.URL,
			PageNumber: d.PageNumber,
			Score:      d.RerankerScore,
			Metadata:   d.Metadata,
		}
		if ref.Score == 0 {
			ref.Score = d.Score
		}
		if ref.DisplayText() == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// filterByThreshold keeps references at or above the threshold.
func filterByThreshold(refs []model.Reference, threshold float64) []model.Reference {
	kept := make([]model.Reference, 0, len(refs))
	for _, r := range refs {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}

// normalizeCoverage maps wire coverage onto [0,1]. Some index versions
// report percentages; anything above 1 is treated as one of those.
func normalizeCoverage(coverage *float64) *float64 {
	if coverage == nil {
		return nil
	}
	v := *coverage
	if v > 1 {
		v = v / 100
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

func truncateQuery(q string) string {
	if len(q) > 80 {
		return q[:80] + "…"
	}
	return q
}
