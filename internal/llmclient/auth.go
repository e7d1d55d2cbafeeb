package llmclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
)

// HeaderProvider attaches authentication to an outbound request. The
// gateways never know which scheme backs them.
type HeaderProvider interface {
	Apply(ctx context.Context, req *http.Request) error
}

// APIKeyProvider sets a static header. The key is never logged.
type APIKeyProvider struct {
	Header string
	Key    string
}

// Apply implements HeaderProvider.
func (p *APIKeyProvider) Apply(_ context.Context, req *http.Request) error {
	if p.Key == "" {
		return apperr.New(apperr.KindConfigMissing, "api key is not configured")
	}
	header := p.Header
	if header == "" {
		header = "Authorization"
		req.Header.Set(header, "Bearer "+p.Key)
		return nil
	}
	req.Header.Set(header, p.Key)
	return nil
}

// Token is a bearer token with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource mints fresh bearer tokens. Implementations talk to an STS
// or identity provider; they are expected to be slow.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// refreshSlop is how early a cached token is considered stale.
const refreshSlop = 2 * time.Minute

// BearerProvider caches a bearer token per cache key and coalesces
// concurrent refreshes: at most one mint per key is in flight, and every
// waiter shares its outcome. Tokens live only in memory.
type BearerProvider struct {
	source   TokenSource
	cacheKey string
	slop     time.Duration

	mu     sync.RWMutex
	cached Token

	group *singleflight.Group
}

// NewBearerProvider creates a caching provider around source. cacheKey
// distinguishes independent credentials sharing one provider group.
func NewBearerProvider(source TokenSource, cacheKey string) *BearerProvider {
	return &BearerProvider{
		source:   source,
		cacheKey: cacheKey,
		slop:     refreshSlop,
		group:    &singleflight.Group{},
	}
}

// WithSlop overrides the refresh slop and returns the provider.
func (p *BearerProvider) WithSlop(slop time.Duration) *BearerProvider {
	if slop > 0 {
		p.slop = slop
	}
	return p
}

// Apply implements HeaderProvider with a cached, coalesced-refresh token.
func (p *BearerProvider) Apply(ctx context.Context, req *http.Request) error {
	tok, err := p.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	return nil
}

func (p *BearerProvider) token(ctx context.Context) (Token, error) {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()

	if cached.Value != "" && time.Until(cached.ExpiresAt) >= p.slop {
		return cached, nil
	}

	v, err, _ := p.group.Do(p.cacheKey, func() (any, error) {
		// Re-check under the flight: a racing caller may have refreshed.
		p.mu.RLock()
		current := p.cached
		p.mu.RUnlock()
		if current.Value != "" && time.Until(current.ExpiresAt) >= p.slop {
			return current, nil
		}

		fresh, err := p.source.Token(ctx)
		if err != nil {
			return Token{}, apperr.Wrap(apperr.KindAuth, "token refresh failed", err)
		}
		p.mu.Lock()
		p.cached = fresh
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// ClientCredentialsSource mints tokens via the OAuth2 client-credentials
// grant.
type ClientCredentialsSource struct {
	Config clientcredentials.Config
}

// Token implements TokenSource.
func (s *ClientCredentialsSource) Token(ctx context.Context) (Token, error) {
	tok, err := s.Config.TokenSource(ctx).Token()
	if err != nil {
		return Token{}, err
	}
	return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}
