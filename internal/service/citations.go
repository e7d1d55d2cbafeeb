package service

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// CitationIndices returns the distinct 1-based citation indices in the
// answer, in first-appearance order.
func CitationIndices(answer string) []int {
	matches := citationMarker.FindAllStringSubmatch(answer, -1)
	seen := make(map[int]bool)
	var indices []int
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if !seen[n] {
			seen[n] = true
			indices = append(indices, n)
		}
	}
	return indices
}

// ValidateCitations enforces citation soundness, returning the delivered
// answer and whether a refusal sentinel was substituted:
//
//  1. With references present, the answer must carry at least one [n]
//     marker.
//  2. Every marker must satisfy 1 ≤ n ≤ len(references) with non-empty
//     displayable text behind it.
//  3. With no references, markers are invalid; an uncited answer is
//     accepted only as a refusal.
func ValidateCitations(answer string, refs []model.Reference) (string, bool) {
	indices := CitationIndices(answer)

	if len(refs) == 0 {
		if len(indices) > 0 {
			return RefusalInvalidCitation, true
		}
		if strings.HasPrefix(strings.TrimSpace(answer), refusalPrefix) {
			return answer, false
		}
		return RefusalNoCitations, true
	}

	if len(indices) == 0 {
		if strings.HasPrefix(strings.TrimSpace(answer), refusalPrefix) {
			return answer, false
		}
		return RefusalNoCitations, true
	}

	for _, n := range indices {
		if n < 1 || n > len(refs) {
			return RefusalInvalidCitation, true
		}
		if refs[n-1].DisplayText() == "" {
			return RefusalInvalidCitation, true
		}
	}
	return answer, false
}

// BuildCitations materializes UI citations for the markers actually used
// in the answer, and annotates every reference with whether it was cited
// and its share of the citation mass.
func BuildCitations(answer string, refs []model.Reference) []model.Citation {
	all := citationMarker.FindAllStringSubmatch(answer, -1)
	counts := make(map[int]int)
	total := 0
	for _, m := range all {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(refs) {
			continue
		}
		counts[n]++
		total++
	}

	for i := range refs {
		cited := counts[i+1] > 0
		refs[i].SetMeta("cited", cited)
		if total > 0 {
			refs[i].SetMeta("citationDensity", float64(counts[i+1])/float64(total))
		}
	}

	var citations []model.Citation
	for _, n := range CitationIndices(answer) {
		if n < 1 || n > len(refs) {
			continue
		}
		ref := refs[n-1]
		citations = append(citations, model.Citation{
			Index:   n,
			ID:      ref.ID,
			Title:   ref.Title,
			URL:     ref.URL,
			Page:    ref.PageNumber,
			Snippet: snippetOf(ref.DisplayText(), 200),
			Score:   ref.Score,
		})
	}
	return citations
}
