package service

import (
	"sort"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// rrfDefaultK is the standard rank-fusion constant balancing head and
// tail positions.
const rrfDefaultK = 60

// FusionOptions tunes the reciprocal-rank-fusion merge.
type FusionOptions struct {
	K int
	// SemanticBoost adds BoostWeight × cosine(queryVec, itemVec) to the
	// RRF score for items with a known embedding.
	SemanticBoost bool
	BoostWeight   float64
	QueryVec      []float32
	ItemVecs      map[string][]float32
}

// FuseRRF merges the in-corpus and web ranked lists with reciprocal rank
// fusion: score = Σ 1/(k + rank). Deduplication is by stable id; the
// first occurrence supplies the payload.
func FuseRRF(corpus []model.Reference, web []model.WebResult, opts FusionOptions) []model.Reference {
	k := opts.K
	if k <= 0 {
		k = rrfDefaultK
	}

	scores := make(map[string]float64)
	items := make(map[string]model.Reference)
	var order []string

	for rank, ref := range corpus {
		scores[ref.ID] += 1.0 / float64(k+rank+1)
		if _, exists := items[ref.ID]; !exists {
			items[ref.ID] = ref
			order = append(order, ref.ID)
		}
	}

	for rank, w := range web {
		ref := webToReference(w)
		scores[ref.ID] += 1.0 / float64(k+rank+1)
		if _, exists := items[ref.ID]; !exists {
			items[ref.ID] = ref
			order = append(order, ref.ID)
		}
	}

	if opts.SemanticBoost && len(opts.QueryVec) > 0 {
		weight := opts.BoostWeight
		if weight <= 0 {
			weight = 0.5
		}
		for id := range scores {
			if vec, ok := opts.ItemVecs[id]; ok {
				scores[id] += weight * clamp01(cosineSimilarity(opts.QueryVec, vec))
			}
		}
	}

	type scored struct {
		ref   model.Reference
		score float64
	}
	merged := make([]scored, 0, len(items))
	for _, id := range order {
		merged = append(merged, scored{ref: items[id], score: scores[id]})
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].score > merged[j].score })

	out := make([]model.Reference, len(merged))
	for i, s := range merged {
		s.ref.Score = s.score
		out[i] = s.ref
	}
	return out
}

// webToReference adapts a web hit into a reference so it can be cited
// like any chunk.
func webToReference(w model.WebResult) model.Reference {
	ref := model.Reference{
		ID:      w.ID,
		Title:   w.Title,
		Content: w.Snippet,
		URL:     w.URL,
		Score:   w.QualityScore,
	}
	if w.Body != "" {
		ref.Content = w.Body
	}
	ref.SetMeta("source", "web")
	ref.SetMeta("rank", w.Rank)
	if w.QualityScore > 0 {
		ref.SetMeta("qualityScore", w.QualityScore)
	}
	return ref
}
