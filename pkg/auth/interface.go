package auth

import (
	"context"
	"time"
)

// Claims represents verified bearer token claims.
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	Audience  []string
	ID        string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	Scopes    []string
	Raw       map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Get returns a raw claim by name.
func (c *Claims) Get(name string) (interface{}, bool) {
	if c == nil || c.Raw == nil {
		return nil, false
	}
	v, ok := c.Raw[name]
	return v, ok
}

// Validator validates authentication tokens
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (*Claims, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (*Claims, error) {
	return f(ctx, token)
}

// Config contains validator configuration
type Config struct {
	// Endpoint is the OIDC issuer base URL. The JWKS document is served below it.
	Endpoint    string
	Algorithms  []string
	ClockSkew   time.Duration
	HTTPTimeout time.Duration
	CacheSize   int
	CacheTTL    time.Duration
	// FetchRetries is the number of extra JWKS fetch attempts after the first one.
	FetchRetries  int
	BackoffPolicy string
}
