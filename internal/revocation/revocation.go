// Package revocation keeps a denylist of otherwise valid tokens, e.g. tokens
// whose session was logged out.
package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// DefaultMaxTokenLifetime bounds how long subject-wide revocations are kept.
const DefaultMaxTokenLifetime = 24 * time.Hour

// ErrNoTokenID is returned when a token cannot be revoked individually.
var ErrNoTokenID = errors.New("token has no jti and no iat")

// Checker reports whether verified claims were revoked.
type Checker interface {
	IsRevoked(ctx context.Context, claims *auth.Claims) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, claims *auth.Claims) (bool, error)

func (f CheckerFunc) IsRevoked(ctx context.Context, claims *auth.Claims) (bool, error) {
	return f(ctx, claims)
}

// Store is a Checker that also accepts revocations.
type Store interface {
	Checker
	// Revoke denylists the token described by claims until it expires. Tokens
	// without a jti are revoked by subject up to their issue time.
	Revoke(ctx context.Context, claims *auth.Claims) error
	// RevokeSubject denylists every token of subject issued at or before before.
	RevokeSubject(ctx context.Context, subject string, before time.Time) error
}

func revokedBySubject(claims *auth.Claims, cutoff time.Time) bool {
	if claims.IssuedAt.IsZero() {
		return true
	}
	return !claims.IssuedAt.After(cutoff)
}

func tokenTTL(claims *auth.Claims, now time.Time, max time.Duration) time.Duration {
	if claims.ExpiresAt.IsZero() {
		return max
	}
	return claims.ExpiresAt.Sub(now)
}
