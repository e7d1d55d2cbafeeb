package service

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// referenceMention matches "[3]" or "reference 3" in critic issue text.
var referenceMention = regexp.MustCompile(`(?:\[(\d+)\]|[Rr]eference\s+(\d+))`)

// CandidateIndices extracts the 1-based reference indices a critic's
// issues point at, bounded to n.
func CandidateIndices(issues []string, n int) []int {
	seen := make(map[int]bool)
	var indices []int
	for _, issue := range issues {
		for _, m := range referenceMention.FindAllStringSubmatch(issue, -1) {
			digits := m[1]
			if digits == "" {
				digits = m[2]
			}
			idx, err := strconv.Atoi(digits)
			if err != nil || idx < 1 || idx > n || seen[idx] {
				continue
			}
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	return indices
}

// Hydrator performs bounded, deduplicated lazy-reference hydration. The
// in-progress set prevents concurrent critic iterations from fetching
// the same chunk twice.
type Hydrator struct {
	mu          sync.Mutex
	inProgress  map[string]bool
	attempts    int
	maxAttempts int
}

// NewHydrator creates a Hydrator allowing at most maxAttempts loads per
// turn.
func NewHydrator(maxAttempts int) *Hydrator {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Hydrator{
		inProgress:  make(map[string]bool),
		maxAttempts: maxAttempts,
	}
}

// HydrateFlagged hydrates the lazy references at the given 1-based
// indices, skipping any already full, already in flight, or beyond the
// attempt budget.
func (h *Hydrator) HydrateFlagged(ctx context.Context, lazyRefs []*model.LazyReference, indices []int) {
	for _, n := range indices {
		if n < 1 || n > len(lazyRefs) {
			continue
		}
		lr := lazyRefs[n-1]
		if lr.State() == model.LazyFull {
			continue
		}

		h.mu.Lock()
		if h.attempts >= h.maxAttempts || h.inProgress[lr.Ref.ID] {
			h.mu.Unlock()
			continue
		}
		h.inProgress[lr.Ref.ID] = true
		h.attempts++
		h.mu.Unlock()

		err := lr.Hydrate(ctx)

		h.mu.Lock()
		delete(h.inProgress, lr.Ref.ID)
		h.mu.Unlock()

		if err != nil {
			slog.Warn("lazy hydration failed", "doc_id", lr.Ref.ID, "error", err)
		}
	}
}
