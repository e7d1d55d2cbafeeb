package llmclient

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingSource mints tokens slowly and counts how often it is asked.
type countingSource struct {
	mints int32
	delay time.Duration
	ttl   time.Duration
}

func (s *countingSource) Token(ctx context.Context) (Token, error) {
	atomic.AddInt32(&s.mints, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return Token{Value: "tok", ExpiresAt: time.Now().Add(s.ttl)}, nil
}

func TestBearerProvider_CoalescedRefresh(t *testing.T) {
	source := &countingSource{delay: 20 * time.Millisecond, ttl: time.Hour}
	provider := NewBearerProvider(source, "key-1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
			if err := provider.Apply(context.Background(), req); err != nil {
				t.Errorf("Apply() error: %v", err)
			}
			if got := req.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q", got)
			}
		}()
	}
	wg.Wait()

	if mints := atomic.LoadInt32(&source.mints); mints != 1 {
		t.Errorf("mints = %d, want 1 (cold-start refresh must coalesce)", mints)
	}
}

func TestBearerProvider_RefreshNearExpiry(t *testing.T) {
	// TTL below the slop: every cached token is already stale.
	source := &countingSource{ttl: time.Minute}
	provider := NewBearerProvider(source, "key-1")

	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	if err := provider.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if err := provider.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if mints := atomic.LoadInt32(&source.mints); mints != 2 {
		t.Errorf("mints = %d, want 2 (stale token must refresh)", mints)
	}
}

func TestBearerProvider_CachedWithinSlop(t *testing.T) {
	source := &countingSource{ttl: time.Hour}
	provider := NewBearerProvider(source, "key-1")

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
		if err := provider.Apply(context.Background(), req); err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
	}

	if mints := atomic.LoadInt32(&source.mints); mints != 1 {
		t.Errorf("mints = %d, want 1 (fresh token must be reused)", mints)
	}
}

func TestAPIKeyProvider(t *testing.T) {
	p := &APIKeyProvider{Header: "api-key", Key: "secret"}
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	if err := p.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got := req.Header.Get("api-key"); got != "secret" {
		t.Errorf("api-key = %q", got)
	}

	bearer := &APIKeyProvider{Key: "secret"}
	req2, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	bearer.Apply(context.Background(), req2)
	if got := req2.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	empty := &APIKeyProvider{}
	req3, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	if err := empty.Apply(context.Background(), req3); err == nil {
		t.Error("expected config_missing error for empty key")
	}
}
