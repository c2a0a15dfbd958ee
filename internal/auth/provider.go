// Package auth supplies bearer tokens to the control channel and the REST
// client and refreshes them through the identity provider.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/apperr"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// TokenSource is the bearer-token contract used by transports
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Tokens is the result of a refresh
type Tokens struct {
	IDToken      string
	RefreshToken string
}

// Refresher exchanges a refresh token for fresh tokens
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (Tokens, error)
}

var (
	ErrNoToken        = errors.New("no authentication token available")
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrSignedOut      = errors.New("signed out")
)

// expiryLeeway refreshes tokens slightly before they expire
const expiryLeeway = time.Minute

// Provider caches the id token and refreshes it on demand
type Provider struct {
	refresher Refresher
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu           sync.Mutex
	idToken      string
	refreshToken string
	signedOut    bool
}

// NewProvider creates a provider seeded with the session's tokens
func NewProvider(refresher Refresher, tokens Tokens, clock clockwork.Clock, logger zerolog.Logger) *Provider {
	return &Provider{
		refresher:    refresher,
		clock:        clock,
		logger:       logger.With().Str("component", "auth").Logger(),
		idToken:      tokens.IDToken,
		refreshToken: tokens.RefreshToken,
	}
}

// Token returns the cached id token, refreshing it when missing or expiring
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.signedOut {
		p.mu.Unlock()
		return "", apperr.New(apperr.Auth, "get token", ErrSignedOut)
	}
	token := p.idToken
	p.mu.Unlock()

	if token != "" && !expiresWithin(token, p.clock.Now(), expiryLeeway) {
		return token, nil
	}
	return p.Refresh(ctx)
}

// Refresh forces a refresh. Any failure is an auth error: the caller must
// close its transport rather than retry.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	refreshToken := p.refreshToken
	signedOut := p.signedOut
	p.mu.Unlock()

	if signedOut {
		return "", apperr.New(apperr.Auth, "refresh session", ErrSignedOut)
	}
	if refreshToken == "" || p.refresher == nil {
		return "", apperr.New(apperr.Auth, "refresh session", ErrNoRefreshToken)
	}

	tokens, err := p.refresher.RefreshSession(ctx, refreshToken)
	if err != nil {
		p.logger.Warn().Err(err).Msg("session refresh failed")
		return "", apperr.New(apperr.Auth, "refresh session", err)
	}
	if tokens.IDToken == "" {
		return "", apperr.New(apperr.Auth, "refresh session", ErrNoToken)
	}

	p.mu.Lock()
	p.idToken = tokens.IDToken
	if tokens.RefreshToken != "" {
		p.refreshToken = tokens.RefreshToken
	}
	p.mu.Unlock()

	p.logger.Debug().Msg("session refreshed")
	return tokens.IDToken, nil
}

// SignOut drops the cached tokens; later calls fail with an auth error
func (p *Provider) SignOut() {
	p.mu.Lock()
	p.idToken = ""
	p.refreshToken = ""
	p.signedOut = true
	p.mu.Unlock()
}

// Identity resolves the claims of the current token
func (p *Provider) Identity(ctx context.Context, v *Verifier) (*Claims, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := v.Parse(token)
	if err != nil {
		return nil, apperr.New(apperr.Auth, "parse identity", err)
	}
	return claims, nil
}
