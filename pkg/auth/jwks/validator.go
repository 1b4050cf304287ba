package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// DefaultAlgorithms is used when the configuration names none.
var DefaultAlgorithms = []string{"RS256"}

// Verifier checks compact JWS bearer tokens against the issuer's published
// keys. It implements auth.Validator.
type Verifier struct {
	resolver   *KeyResolver
	issuer     string
	algorithms []string
	clockSkew  time.Duration
}

// Option customizes New.
type Option func(*ResolverConfig)

// WithKeyCache replaces the default in-memory key cache.
func WithKeyCache(cache KeyCache) Option {
	return func(rc *ResolverConfig) { rc.Cache = cache }
}

// WithLogger sets the logger used for key resolution warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(rc *ResolverConfig) { rc.Logger = logger }
}

// New builds a Verifier and its KeyResolver from cfg.
func New(cfg auth.Config, opts ...Option) (*Verifier, error) {
	rc := ResolverConfig{
		Endpoint:      cfg.Endpoint,
		HTTPTimeout:   cfg.HTTPTimeout,
		FetchRetries:  cfg.FetchRetries,
		BackoffPolicy: cfg.BackoffPolicy,
	}
	if cfg.CacheSize > 0 || cfg.CacheTTL > 0 {
		rc.Cache = NewMemoryKeyCache(cfg.CacheSize, cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(&rc)
	}
	resolver, err := NewKeyResolver(rc)
	if err != nil {
		return nil, err
	}
	return NewVerifier(resolver, cfg)
}

// NewVerifier builds a Verifier over an existing resolver.
func NewVerifier(resolver *KeyResolver, cfg auth.Config) (*Verifier, error) {
	if resolver == nil {
		return nil, &auth.ConfigError{Msg: "key resolver is required"}
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, &auth.ConfigError{Msg: "issuer endpoint is required"}
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	for _, alg := range algs {
		if strings.EqualFold(alg, "none") {
			return nil, &auth.ConfigError{Msg: "algorithm none is not allowed"}
		}
		if jwt.GetSigningMethod(alg) == nil {
			return nil, &auth.ConfigError{Msg: fmt.Sprintf("unsupported algorithm %q", alg)}
		}
	}
	skew := cfg.ClockSkew
	if skew < 0 {
		skew = 0
	}
	return &Verifier{
		resolver:   resolver,
		issuer:     NormalizeIssuer(cfg.Endpoint),
		algorithms: append([]string(nil), algs...),
		clockSkew:  skew,
	}, nil
}

// Issuer returns the normalized issuer tokens must carry.
func (v *Verifier) Issuer() string { return v.issuer }

// Resolver returns the key resolver backing v.
func (v *Verifier) Resolver() *KeyResolver { return v.resolver }

// Validate implements auth.Validator.
func (v *Verifier) Validate(ctx context.Context, token string) (*auth.Claims, error) {
	return v.Verify(ctx, token)
}

// Verify checks structure, signature, expiry, not-before and issuer. Every
// failure is an *auth.InvalidTokenError.
func (v *Verifier) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		outcome := "invalid"
		var kre *auth.KeyResolutionError
		if errors.As(err, &kre) {
			outcome = "key_error"
		}
		var ite *auth.InvalidTokenError
		if errors.As(err, &ite) {
			outcome = "malformed"
		}
		metrics.TokenVerificationsTotal.WithLabelValues(outcome).Inc()
		if ite != nil {
			return nil, err
		}
		return nil, auth.InvalidToken(err)
	}
	metrics.TokenVerificationsTotal.WithLabelValues("valid").Inc()
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (*auth.Claims, error) {
	unverified, _, err := decode(token)
	if err != nil {
		return nil, auth.InvalidToken(err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if !v.allowed(alg) {
		return nil, auth.InvalidToken(fmt.Errorf("algorithm %q not allowed", alg))
	}
	kid, _ := unverified.Header["kid"].(string)

	key, err := v.resolver.SigningKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, fmt.Errorf("key %q is published for %s, token uses %s", kid, key.Algorithm, alg)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
	)
	mc := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, mc, func(*jwt.Token) (interface{}, error) {
		return key.Key, nil
	}); err != nil {
		return nil, err
	}

	iss, _ := mc["iss"].(string)
	if iss != v.issuer && iss != strings.TrimSuffix(v.issuer, "/") {
		return nil, fmt.Errorf("unexpected issuer %q", iss)
	}
	claims := toClaims(mc)
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func (v *Verifier) allowed(alg string) bool {
	for _, a := range v.algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Decode returns the claims of token without verifying it.
func (v *Verifier) Decode(token string) (*auth.Claims, error) {
	return Decode(token)
}

// Decode returns the claims of token without verifying the signature or any
// time or issuer constraint. Use it only for display or routing hints.
func Decode(token string) (*auth.Claims, error) {
	_, mc, err := decode(token)
	if err != nil {
		return nil, auth.InvalidToken(err)
	}
	return toClaims(mc), nil
}

// Header returns the decoded JOSE header of token.
func Header(token string) (map[string]interface{}, error) {
	t, _, err := decode(token)
	if err != nil {
		return nil, auth.InvalidToken(err)
	}
	return t.Header, nil
}

func decode(token string) (*jwt.Token, jwt.MapClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, errors.New("empty token")
	}
	parser := jwt.NewParser()
	mc := jwt.MapClaims{}
	t, parts, err := parser.ParseUnverified(token, mc)
	if err != nil {
		return nil, nil, err
	}
	if len(parts) != 3 || parts[2] == "" {
		return nil, nil, errors.New("token has no signature")
	}
	if _, err := parser.DecodeSegment(parts[2]); err != nil {
		return nil, nil, fmt.Errorf("decode signature: %w", err)
	}
	return t, mc, nil
}

func toClaims(mc jwt.MapClaims) *auth.Claims {
	raw := make(map[string]interface{}, len(mc))
	for k, val := range mc {
		raw[k] = val
	}
	c := &auth.Claims{
		Subject: stringClaim(mc, "sub"),
		Email:   stringClaim(mc, "email"),
		Issuer:  stringClaim(mc, "iss"),
		ID:      stringClaim(mc, "jti"),
		Raw:     raw,
	}
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		c.NotBefore = nbf.Time
	}
	switch scope := mc["scope"].(type) {
	case string:
		c.Scopes = strings.Fields(scope)
	case []interface{}:
		c.Scopes = stringList(scope)
	}
	if len(c.Scopes) == 0 {
		if scp, ok := mc["scp"].([]interface{}); ok {
			c.Scopes = stringList(scp)
		}
	}
	return c
}

func stringList(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

type providerConfig struct {
	Endpoint           string   `json:"endpoint"`
	Algorithms         []string `json:"algorithms"`
	ClockSkewSeconds   int      `json:"clockSkewSeconds"`
	HTTPTimeoutSeconds int      `json:"httpTimeoutSeconds"`
	CacheSize          int      `json:"cacheSize"`
	CacheTTLSeconds    int      `json:"cacheTtlSeconds"`
	FetchRetries       int      `json:"fetchRetries"`
	BackoffPolicy      string   `json:"backoffPolicy"`
}

func init() {
	auth.RegisterProvider("jwks", func(raw json.RawMessage) (auth.Validator, error) {
		var pc providerConfig
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &pc); err != nil {
				return nil, &auth.ConfigError{Msg: fmt.Sprintf("jwks provider config: %v", err)}
			}
		}
		return New(auth.Config{
			Endpoint:      pc.Endpoint,
			Algorithms:    pc.Algorithms,
			ClockSkew:     time.Duration(pc.ClockSkewSeconds) * time.Second,
			HTTPTimeout:   time.Duration(pc.HTTPTimeoutSeconds) * time.Second,
			CacheSize:     pc.CacheSize,
			CacheTTL:      time.Duration(pc.CacheTTLSeconds) * time.Second,
			FetchRetries:  pc.FetchRetries,
			BackoffPolicy: pc.BackoffPolicy,
		})
	})
}
