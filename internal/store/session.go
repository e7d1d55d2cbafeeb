// Package store persists SessionState between turns. Redis backs the
// production store; the in-memory store serves tests and single-node
// development.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/connexus-ai/atlas-backend/internal/model"
)

// ErrVersionConflict is returned when a write-back carries a stale
// version. One writer per session id is the invariant; a conflict means
// a concurrent turn already committed.
var ErrVersionConflict = errors.New("session state version conflict")

// SessionStore loads and writes per-session state.
type SessionStore interface {
	// Load returns the state for id, or a fresh state when unknown.
	Load(ctx context.Context, id string) (*model.SessionState, error)
	// Save writes state back, enforcing the version check.
	Save(ctx context.Context, state *model.SessionState) error
}

// RedisStore keeps session state as JSON under a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. TTL zero means 24h.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(id string) string { return "session:" + id }

// Load implements SessionStore.
func (s *RedisStore) Load(ctx context.Context, id string) (*model.SessionState, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.NewSessionState(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Load: %w", err)
	}

	var state model.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("store.Load: unmarshal: %w", err)
	}
	return &state, nil
}

// Save implements SessionStore with an optimistic version check: the
// write commits only if the stored version still matches the version the
// state was loaded at.
func (s *RedisStore) Save(ctx context.Context, state *model.SessionState) error {
	key := sessionKey(state.SessionID)
	expected := state.Version
	state.Version++

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store.Save: marshal: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored model.SessionState
			if jsonErr := json.Unmarshal(current, &stored); jsonErr == nil && stored.Version != expected {
				return ErrVersionConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		state.Version = expected // restore on failure
		if errors.Is(err, ErrVersionConflict) {
			return ErrVersionConflict
		}
		return fmt.Errorf("store.Save: %w", err)
	}
	return nil
}

// MemoryStore is the in-process SessionStore.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*model.SessionState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*model.SessionState)}
}

// Load implements SessionStore.
func (s *MemoryStore) Load(_ context.Context, id string) (*model.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[id]
	if !ok {
		return model.NewSessionState(id), nil
	}
	clone := *stored
	clone.Messages = append([]model.Message(nil), stored.Messages...)
	clone.SummaryBullets = append([]model.SummaryBullet(nil), stored.SummaryBullets...)
	clone.Salience = append([]string(nil), stored.Salience...)
	if stored.Features != nil {
		clone.Features = make(map[string]bool, len(stored.Features))
		for k, v := range stored.Features {
			clone.Features[k] = v
		}
	}
	return &clone, nil
}

// Save implements SessionStore.
func (s *MemoryStore) Save(_ context.Context, state *model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.states[state.SessionID]; ok && stored.Version != state.Version {
		return ErrVersionConflict
	}
	clone := *state
	clone.Version++
	s.states[state.SessionID] = &clone
	state.Version++
	return nil
}
