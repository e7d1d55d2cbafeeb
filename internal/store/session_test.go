package store

import (
	"context"
	"errors"
	"testing"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

func TestMemoryStore_LoadUnknownIsFresh(t *testing.T) {
	s := NewMemoryStore()
	state, err := s.Load(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if state.SessionID != "fresh" || len(state.Messages) != 0 || state.Version != 0 {
		t.Errorf("unexpected fresh state: %+v", state)
	}
}

func TestMemoryStore_SaveLoadRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state, _ := s.Load(ctx, "s1")
	state.Messages = append(state.Messages,
		model.Message{Role: model.RoleUser, Content: "hi"},
		model.Message{Role: model.RoleAssistant, Content: "hello"},
	)
	state.Salience = []string{"prefers brevity"}
	if err := s.Save(ctx, state); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(loaded.Messages))
	}
	if loaded.Version != 1 {
		t.Errorf("version = %d, want 1", loaded.Version)
	}
	if loaded.Salience[0] != "prefers brevity" {
		t.Errorf("salience = %v", loaded.Salience)
	}

	// Mutating the loaded copy must not leak into the store.
	loaded.Messages[0].Content = "tampered"
	again, _ := s.Load(ctx, "s1")
	if again.Messages[0].Content != "hi" {
		t.Error("Load must return defensive copies")
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.Load(ctx, "s1")
	b, _ := s.Load(ctx, "s1")

	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	err := s.Save(ctx, b)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("second Save() = %v, want ErrVersionConflict", err)
	}
}
