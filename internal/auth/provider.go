// ABOUTME: Short-lived session token provider with coalesced single-flight refresh.
// ABOUTME: JWT expiry claims, when present, drive proactive refresh; opaque tokens are cached until invalidated.

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrNoToken indicates a refresh produced an empty token.
var ErrNoToken = errors.New("session returned no token")

// SessionStarter is the auth boundary: obtains a fresh capability token.
// Idempotent and callable repeatedly.
type SessionStarter interface {
	StartSession(ctx context.Context) (string, error)
}

// StarterFunc adapts a function to the SessionStarter interface.
type StarterFunc func(ctx context.Context) (string, error)

func (f StarterFunc) StartSession(ctx context.Context) (string, error) { return f(ctx) }

// Provider caches the session token and coalesces concurrent refreshes:
// callers arriving while a refresh is in flight await the one outcome rather
// than triggering another fetch.
type Provider struct {
	starter SessionStarter
	logger  *slog.Logger
	leeway  time.Duration
	group   singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time // zero when the token carries no expiry
}

// NewProvider creates a token provider over the given session starter.
func NewProvider(starter SessionStarter, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		starter: starter,
		logger:  logger.With("component", "auth"),
		leeway:  30 * time.Second,
	}
}

// Token returns the cached token, refreshing it first when absent or within
// the expiry leeway.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}
	return p.Refresh(ctx, false)
}

// Refresh obtains a token. With force=false a still-valid cached token is
// returned as-is. Concurrent refreshes share a single underlying fetch.
func (p *Provider) Refresh(ctx context.Context, force bool) (string, error) {
	if !force {
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
	}

	v, err, _ := p.group.Do("start_session", func() (any, error) {
		// A caller that queued behind a completed refresh gets the fresh
		// token without another round trip.
		if !force {
			if tok, ok := p.cached(); ok {
				return tok, nil
			}
		}

		tok, err := p.starter.StartSession(ctx)
		if err != nil {
			return "", fmt.Errorf("starting session: %w", err)
		}
		if tok == "" {
			return "", ErrNoToken
		}

		expiry := tokenExpiry(tok)
		p.mu.Lock()
		p.token = tok
		p.expiry = expiry
		p.mu.Unlock()

		p.logger.Debug("session token refreshed", "has_expiry", !expiry.IsZero())
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call refreshes.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiry = time.Time{}
	p.mu.Unlock()
}

// cached returns the current token when it is present and not about to
// expire.
func (p *Provider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return "", false
	}
	if !p.expiry.IsZero() && time.Until(p.expiry) < p.leeway {
		return "", false
	}
	return p.token, true
}

// tokenExpiry extracts the exp claim from a JWT-shaped token without
// verifying the signature. Opaque tokens yield a zero time; the caller then
// refreshes only on demand.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
