package telemetry

import (
	"fmt"
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

func TestStore_RingBound(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Record(model.TurnRecord{SessionID: fmt.Sprintf("s-%d", i), Mode: model.ModeSync, Status: model.TurnComplete})
	}

	records := s.Snapshot()
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// Oldest-first, oldest two evicted.
	if records[0].SessionID != "s-2" || records[2].SessionID != "s-4" {
		t.Errorf("ring order wrong: %s .. %s", records[0].SessionID, records[2].SessionID)
	}
}

func TestStore_RedactsOnWrite(t *testing.T) {
	s := NewStore(5)
	s.Record(model.TurnRecord{
		SessionID: "s",
		Mode:      model.ModeSync,
		Status:    model.TurnComplete,
		Question:  "my email is a@b.co",
	})

	records := s.Snapshot()
	if records[0].Question != "my email is [EMAIL]" {
		t.Errorf("Question = %q, want redacted", records[0].Question)
	}
}

func TestStore_Aggregates(t *testing.T) {
	s := NewStore(10)
	s.Record(model.TurnRecord{Mode: model.ModeSync, Route: "faq", Status: model.TurnComplete,
		CriticHistory: []model.CriticReport{{Coverage: 0.8}}})
	s.Record(model.TurnRecord{Mode: model.ModeStream, Route: "faq", Status: model.TurnComplete,
		CriticHistory: []model.CriticReport{{Coverage: 0.6}}})
	s.Record(model.TurnRecord{Mode: model.ModeStream, Route: "research", Status: model.TurnError})

	agg := s.Aggregate()
	if agg.TotalTurns != 3 {
		t.Errorf("TotalTurns = %d", agg.TotalTurns)
	}
	if agg.ByRoute["faq"] != 2 || agg.ByRoute["research"] != 1 {
		t.Errorf("ByRoute = %v", agg.ByRoute)
	}
	if agg.ByMode[model.ModeStream] != 2 {
		t.Errorf("ByMode = %v", agg.ByMode)
	}
	if agg.AverageCoverage < 0.69 || agg.AverageCoverage > 0.71 {
		t.Errorf("AverageCoverage = %f, want 0.7", agg.AverageCoverage)
	}
	if agg.ErrorRate < 0.33 || agg.ErrorRate > 0.34 {
		t.Errorf("ErrorRate = %f, want 1/3", agg.ErrorRate)
	}
}

func TestKnownEvents(t *testing.T) {
	for _, name := range []string{EventFeatures, EventDone, EventCRAGWebFallback, EventSummarySelection} {
		if !Known(name) {
			t.Errorf("Known(%q) = false", name)
		}
	}
	if Known("made_up_event") {
		t.Error("unknown event accepted")
	}
}
