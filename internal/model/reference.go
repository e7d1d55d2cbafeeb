package model

import (
	"context"
	"sync"
	"time"
)

// Reference is a retrieved document chunk shown to the model as grounding.
type Reference struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Chunk      string         `json:"chunk,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	URL        string         `json:"url,omitempty"`
	PageNumber int            `json:"pageNumber,omitempty"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DisplayText returns the first non-empty grounding text, checking
// content, chunk, then summary. Empty return means the reference must
// not be shown to the model.
func (r *Reference) DisplayText() string {
	if r.Content != "" {
		return r.Content
	}
	if r.Chunk != "" {
		return r.Chunk
	}
	return r.Summary
}

// SetMeta stores a metadata value, allocating the bag on first use.
func (r *Reference) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// LazyState tags which fields of a LazyReference are valid.
type LazyState int

const (
	// LazySummary means only the summary text is loaded.
	LazySummary LazyState = iota
	// LazyFull means the full chunk content has been hydrated.
	LazyFull
)

// Loader fetches the full content of a lazily-retrieved chunk by its id.
type Loader func(ctx context.Context) (string, error)

// LazyReference is a reference retrieved summary-first. The only legal
// transition is Summary → Full, performed through Hydrate; the reverse
// never happens.
type LazyReference struct {
	Ref    Reference
	loader Loader

	mu    sync.Mutex
	state LazyState
}

// NewLazyReference creates a summary-state lazy reference. The loader is
// invoked at most once; subsequent Hydrate calls are no-ops.
func NewLazyReference(ref Reference, loader Loader) *LazyReference {
	return &LazyReference{Ref: ref, loader: loader, state: LazySummary}
}

// State returns the current hydration state.
func (l *LazyReference) State() LazyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Hydrate loads the full chunk content in place. Idempotent: once in the
// Full state, the loader is never called again and nil is returned.
func (l *LazyReference) Hydrate(ctx context.Context) error {
	l.mu.Lock()
	if l.state == LazyFull {
		l.mu.Unlock()
		return nil
	}
	loader := l.loader
	l.mu.Unlock()

	if loader == nil {
		return nil
	}
	full, err := loader(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LazyFull {
		return nil
	}
	l.Ref.Content = full
	l.Ref.SetMeta("lazyHydrated", true)
	l.state = LazyFull
	l.loader = nil
	return nil
}

// WebResult is a single external web search hit.
type WebResult struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Snippet      string    `json:"snippet"`
	URL          string    `json:"url"`
	Rank         int       `json:"rank"`
	FetchedAt    time.Time `json:"fetchedAt"`
	Body         string    `json:"body,omitempty"`
	QualityScore float64   `json:"qualityScore,omitempty"`
}

// Citation is what the consuming UI displays for one [n] marker.
type Citation struct {
	Index   int     `json:"index"`
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Page    int     `json:"page,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}
