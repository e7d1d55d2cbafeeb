package webclient

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/model"
)

// Paper is one structured academic hit.
type Paper struct {
	Source   string `json:"source"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	URL      string `json:"url"`
	Year     int    `json:"year,omitempty"`
}

// AcademicResult aggregates papers across sources; per-source failures
// are recorded, never fatal.
type AcademicResult struct {
	Papers     []Paper
	SourceErrs map[string]string
}

// AcademicClient fans a query out to Semantic Scholar and arXiv. The
// sources are independent: each settles on its own and one failing never
// blocks or discards the other.
type AcademicClient struct {
	semanticScholarURL string
	arxivURL           string
	httpClient         *http.Client
	record             EventRecorder
}

// NewAcademicClient creates an AcademicClient. Empty URLs disable the
// corresponding source.
func NewAcademicClient(semanticScholarURL, arxivURL string, record EventRecorder, timeout time.Duration) *AcademicClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if record == nil {
		record = func(string, map[string]any) {}
	}
	return &AcademicClient{
		semanticScholarURL: strings.TrimRight(semanticScholarURL, "/"),
		arxivURL:           strings.TrimRight(arxivURL, "/"),
		httpClient:         &http.Client{Timeout: timeout},
		record:             record,
	}
}

// Search queries all configured sources concurrently with all-settled
// semantics and reports per-source failure counts as telemetry.
func (c *AcademicClient) Search(ctx context.Context, query string, limit int) *AcademicResult {
	if limit <= 0 {
		limit = 3
	}

	type settled struct {
		source string
		papers []Paper
		err    error
	}

	var wg sync.WaitGroup
	results := make(chan settled, 2)

	if c.semanticScholarURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			papers, err := c.searchSemanticScholar(ctx, query, limit)
			results <- settled{source: "semantic_scholar", papers: papers, err: err}
		}()
	}
	if c.arxivURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			papers, err := c.searchArxiv(ctx, query, limit)
			results <- settled{source: "arxiv", papers: papers, err: err}
		}()
	}

	wg.Wait()
	close(results)

	out := &AcademicResult{SourceErrs: map[string]string{}}
	failures := 0
	failuresBySource := map[string]int{}
	for s := range results {
		if s.err != nil {
			out.SourceErrs[s.source] = s.err.Error()
			failures++
			failuresBySource[s.source]++
			continue
		}
		out.Papers = append(out.Papers, s.papers...)
	}

	c.record("academic_search", map[string]any{
		"papers":             len(out.Papers),
		"failures":           failures,
		"failures_by_source": failuresBySource,
	})
	return out
}

// AsWebResults adapts papers into ranked web results so they can flow
// through the same quality and fusion stages.
func (r *AcademicResult) AsWebResults(startRank int) []model.WebResult {
	now := time.Now().UTC()
	results := make([]model.WebResult, 0, len(r.Papers))
	for i, p := range r.Papers {
		results = append(results, model.WebResult{
			ID:        fmt.Sprintf("paper-%d-%s", startRank+i, p.Source),
			Title:     p.Title,
			Snippet:   p.Abstract,
			URL:       p.URL,
			Rank:      startRank + i,
			FetchedAt: now,
		})
	}
	return results
}

func (c *AcademicClient) searchSemanticScholar(ctx context.Context, query string, limit int) ([]Paper, error) {
	endpoint := fmt.Sprintf("%s/graph/v1/paper/search?query=%s&limit=%d&fields=title,abstract,url,year",
		c.semanticScholarURL, url.QueryEscape(query), limit)

	raw, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Title    string `json:"title"`
			Abstract string `json:"abstract"`
			URL      string `json:"url"`
			Year     int    `json:"year"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed semantic scholar body", err)
	}

	papers := make([]Paper, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		papers = append(papers, Paper{
			Source:   "semantic_scholar",
			Title:    d.Title,
			Abstract: d.Abstract,
			URL:      d.URL,
			Year:     d.Year,
		})
	}
	return papers, nil
}

func (c *AcademicClient) searchArxiv(ctx context.Context, query string, limit int) ([]Paper, error) {
	endpoint := fmt.Sprintf("%s/api/query?search_query=all:%s&max_results=%d",
		c.arxivURL, url.QueryEscape(query), limit)

	raw, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var feed struct {
		Entries []struct {
			Title   string `xml:"title"`
			Summary string `xml:"summary"`
			ID      string `xml:"id"`
		} `xml:"entry"`
	}
	if err := xml.Unmarshal(raw, &feed); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed arxiv feed", err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		papers = append(papers, Paper{
			Source:   "arxiv",
			Title:    strings.TrimSpace(e.Title),
			Abstract: strings.TrimSpace(e.Summary),
			URL:      e.ID,
		})
	}
	return papers, nil
}

func (c *AcademicClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create request", err)
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
			fmt.Sprintf("academic source status %d", resp.StatusCode))
	}
	return raw, nil
}
