package service

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

// QualityConfig sets the web-result acceptance thresholds.
type QualityConfig struct {
	MinAuthority  float64
	MaxRedundancy float64
	MinRelevance  float64
}

// WebQualityFilter scores web results on authority, redundancy against
// the in-corpus references, and relevance to the query.
type WebQualityFilter struct {
	embedder Embedder
	cfg      QualityConfig
}

// NewWebQualityFilter creates a filter.
func NewWebQualityFilter(embedder Embedder, cfg QualityConfig) *WebQualityFilter {
	return &WebQualityFilter{embedder: embedder, cfg: cfg}
}

// domainScores is the authority scorecard, matched by suffix. Longer
// suffixes win.
var domainScores = map[string]float64{
	".gov":          0.95,
	".edu":          0.9,
	".org":          0.6,
	"wikipedia.org": 0.85,
	"arxiv.org":     0.9,
	"nature.com":    0.9,
	"acm.org":       0.85,
	"ieee.org":      0.85,
	"github.com":    0.7,
	"nasa.gov":      0.95,
	".com":          0.4,
	".net":          0.35,
	".io":           0.4,
}

// Filter scores and prunes web results. All embeddings for one call come
// from a single batched request; if that fails the filter degrades to
// authority-only scoring and reports it.
func (f *WebQualityFilter) Filter(ctx context.Context, query string, results []model.WebResult, corpus []model.Reference, emit telemetry.Emitter) []model.WebResult {
	if len(results) == 0 {
		return results
	}
	if emit == nil {
		emit = telemetry.NopEmitter
	}

	authorities := make([]float64, len(results))
	for i, r := range results {
		authorities[i] = DomainAuthority(r.URL)
	}

	// One batch: query, every snippet, every corpus text.
	inputs := make([]string, 0, 1+len(results)+len(corpus))
	inputs = append(inputs, query)
	for _, r := range results {
		inputs = append(inputs, r.Snippet)
	}
	corpusTexts := make([]string, 0, len(corpus))
	for _, c := range corpus {
		corpusTexts = append(corpusTexts, c.DisplayText())
	}
	inputs = append(inputs, corpusTexts...)

	vecs, err := f.embedder.Embed(ctx, inputs)
	if err != nil || len(vecs) != len(inputs) {
		slog.Warn("web quality embeddings failed, authority-only scoring", "error", err)
		emit(telemetry.EventWarning, map[string]any{
			"type":   "quality_filter_degraded",
			"detail": "embedding batch failed",
		})
		return f.authorityOnly(results, authorities)
	}

	queryVec := vecs[0]
	snippetVecs := vecs[1 : 1+len(results)]
	corpusVecs := vecs[1+len(results):]

	kept := make([]model.WebResult, 0, len(results))
	for i, r := range results {
		authority := authorities[i]
		relevance := clamp01(cosineSimilarity(snippetVecs[i], queryVec))

		redundancy := 0.0
		for _, cv := range corpusVecs {
			if sim := cosineSimilarity(snippetVecs[i], cv); sim > redundancy {
				redundancy = sim
			}
		}

		if authority < f.cfg.MinAuthority || redundancy > f.cfg.MaxRedundancy || relevance < f.cfg.MinRelevance {
			continue
		}
		r.QualityScore = 0.4*authority + 0.4*relevance + 0.2*(1-redundancy)
		kept = append(kept, r)
	}
	return kept
}

func (f *WebQualityFilter) authorityOnly(results []model.WebResult, authorities []float64) []model.WebResult {
	kept := make([]model.WebResult, 0, len(results))
	for i, r := range results {
		if authorities[i] < f.cfg.MinAuthority {
			continue
		}
		r.QualityScore = authorities[i]
		kept = append(kept, r)
	}
	return kept
}

// DomainAuthority scores a URL's host against the scorecard. Spoofed
// hosts that bury a trusted label inside an untrusted domain (for
// example something.gov.evil.com) score zero.
func DomainAuthority(raw string) float64 {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 0
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))

	if spoofedHost(host) {
		return 0
	}

	best := 0.0
	bestLen := 0
	for suffix, score := range domainScores {
		if strings.HasSuffix(host, suffix) && len(suffix) > bestLen {
			best = score
			bestLen = len(suffix)
		}
	}
	return best
}

// spoofedHost detects trusted labels appearing in the middle of an
// untrusted registrable domain, e.g. "irs.gov.phish.com".
func spoofedHost(host string) bool {
	labels := strings.Split(host, ".")
	for i, label := range labels {
		if i == len(labels)-1 {
			continue // actual TLD position is legitimate
		}
		if label == "gov" || label == "edu" {
			return true
		}
	}
	return false
}
