package telemetry

import (
	"sync"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// Aggregates are the queryable rollups over stored turn records.
type Aggregates struct {
	TotalTurns      int            `json:"totalTurns"`
	ByRoute         map[string]int `json:"byRoute"`
	ByMode          map[string]int `json:"byMode"`
	BySummaryMode   map[string]int `json:"bySummaryMode"`
	AverageCoverage float64        `json:"averageCoverage"`
	ErrorRate       float64        `json:"errorRate"`
}

// Store is a bounded in-memory ring of redacted turn records plus
// aggregates. Single writer lock; readers get snapshot clones.
type Store struct {
	mu       sync.Mutex
	records  []model.TurnRecord
	next     int
	filled   bool
	capacity int

	total        int
	errors       int
	coverageSum  float64
	coverageN    int
	byRoute      map[string]int
	byMode       map[string]int
	bySummary    map[string]int
}

// DefaultRingSize bounds the store when the config does not.
const DefaultRingSize = 100

// NewStore creates a Store retaining at most capacity records.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Store{
		records:   make([]model.TurnRecord, capacity),
		capacity:  capacity,
		byRoute:   make(map[string]int),
		byMode:    make(map[string]int),
		bySummary: make(map[string]int),
	}
}

// Record redacts and stores a sealed turn record, updating aggregates.
func (s *Store) Record(rec model.TurnRecord) {
	redacted := RedactRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[s.next] = redacted
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.filled = true
	}

	s.total++
	if rec.Status == model.TurnError {
		s.errors++
	}
	if rec.Route != "" {
		s.byRoute[rec.Route]++
	}
	s.byMode[rec.Mode]++
	if rec.ContextBudget != nil && rec.ContextBudget.SummaryMode != "" {
		s.bySummary[rec.ContextBudget.SummaryMode]++
	}
	if n := len(rec.CriticHistory); n > 0 {
		s.coverageSum += rec.CriticHistory[n-1].Coverage
		s.coverageN++
	}
}

// Snapshot returns the stored records oldest-first. The slice and its
// contents are copies.
func (s *Store) Snapshot() []model.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TurnRecord
	if s.filled {
		out = append(out, s.records[s.next:]...)
		out = append(out, s.records[:s.next]...)
	} else {
		out = append(out, s.records[:s.next]...)
	}

	cloned := make([]model.TurnRecord, len(out))
	copy(cloned, out)
	return cloned
}

// Aggregate returns the current rollups.
func (s *Store) Aggregate() Aggregates {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := Aggregates{
		TotalTurns:    s.total,
		ByRoute:       cloneCounts(s.byRoute),
		ByMode:        cloneCounts(s.byMode),
		BySummaryMode: cloneCounts(s.bySummary),
	}
	if s.coverageN > 0 {
		agg.AverageCoverage = s.coverageSum / float64(s.coverageN)
	}
	if s.total > 0 {
		agg.ErrorRate = float64(s.errors) / float64(s.total)
	}
	return agg
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
