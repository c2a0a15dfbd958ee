package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Claims are the identity claims carried by the id token
type Claims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"cognito:username"`
	jwt.RegisteredClaims
}

// UserID returns the stable user identifier (the sub claim)
func (c *Claims) UserID() string {
	return c.Subject
}

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier parses id tokens, verifying signatures against a JWKS when one is
// configured
type Verifier struct {
	jwks  keyfunc.Keyfunc
	clock clockwork.Clock
}

// NewVerifier creates a verifier. An empty jwksURL disables signature
// verification (development stacks).
func NewVerifier(jwksURL string, clock clockwork.Clock) (*Verifier, error) {
	v := &Verifier{clock: clock}
	if jwksURL == "" {
		return v, nil
	}

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	v.jwks = k
	return v, nil
}

// Parse validates tokenString and returns its claims
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}

	if v.jwks != nil {
		token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithTimeFunc(v.clock.Now),
		)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, ErrTokenExpired
			}
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		if !token.Valid {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}

	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(v.clock.Now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// expiresWithin reports whether tokenString is unparseable or expires within d
func expiresWithin(tokenString string, now time.Time, d time.Duration) bool {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.After(now.Add(d))
}
