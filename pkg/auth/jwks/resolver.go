package jwks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/osvaldoandrade/ramguard/internal/backoff"
	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/internal/tracing"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// JWKSPath is appended to the normalized issuer to locate the key set.
const JWKSPath = ".well-known/openid-configuration/jwks"

const (
	defaultHTTPTimeout = 5 * time.Second
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 2 * time.Second
)

// NormalizeIssuer returns endpoint with exactly one trailing slash.
func NormalizeIssuer(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/") + "/"
}

// JWKSURL returns the key set location for an issuer endpoint.
func JWKSURL(endpoint string) string {
	return NormalizeIssuer(endpoint) + JWKSPath
}

// ResolverConfig configures a KeyResolver.
type ResolverConfig struct {
	Endpoint      string
	HTTPTimeout   time.Duration
	FetchRetries  int
	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// Cache defaults to an in-memory LRU.
	Cache KeyCache
	// Client overrides the HTTP client, mostly for tests.
	Client *resty.Client
	Logger *slog.Logger
}

// KeyResolver maps key ids to public keys, fetching the issuer's JWKS on a
// cache miss. Concurrent misses for one kid share a single fetch.
type KeyResolver struct {
	url    string
	cache  KeyCache
	client *resty.Client
	group  singleflight.Group
	logger *slog.Logger
	tracer trace.Tracer
}

// NewKeyResolver builds a resolver for cfg.Endpoint.
func NewKeyResolver(cfg ResolverConfig) (*KeyResolver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, &auth.ConfigError{Msg: "jwks endpoint is required"}
	}
	if !backoff.Valid(cfg.BackoffPolicy) {
		return nil, &auth.ConfigError{Msg: fmt.Sprintf("unknown backoff policy %q", cfg.BackoffPolicy)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryKeyCache(defaultCacheSize, defaultCacheTTL)
	}
	client := cfg.Client
	if client == nil {
		client = newHTTPClient(cfg)
	}
	return &KeyResolver{
		url:    JWKSURL(cfg.Endpoint),
		cache:  cache,
		client: client,
		logger: logger,
		tracer: tracing.Tracer("jwks"),
	}, nil
}

func newHTTPClient(cfg ResolverConfig) *resty.Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	retries := cfg.FetchRetries
	if retries < 0 {
		retries = 0
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := cfg.BackoffMax
	if max < base {
		max = defaultBackoffMax
		if max < base {
			max = base
		}
	}
	policy := cfg.BackoffPolicy

	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(time.Millisecond).
		SetRetryMaxWaitTime(max).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			attempt := 0
			if resp != nil && resp.Request != nil && resp.Request.Attempt > 0 {
				attempt = resp.Request.Attempt - 1
			}
			mu.Lock()
			d := backoff.Compute(policy, base, max, attempt, rng)
			mu.Unlock()
			if d < time.Millisecond {
				d = time.Millisecond
			}
			return d, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode() >= 500
		})
}

// URL returns the JWKS document location.
func (r *KeyResolver) URL() string { return r.url }

// SigningKey returns the key for kid, consulting the cache first.
func (r *KeyResolver) SigningKey(ctx context.Context, kid string) (*SigningKey, error) {
	if kid == "" {
		return nil, &auth.KeyResolutionError{Err: errors.New("token header has no kid")}
	}

	key, ok, err := r.cache.Get(ctx, kid)
	if err != nil {
		// A broken shared cache degrades to a live fetch.
		r.logger.Warn("key cache lookup failed", "kid", kid, "err", err)
	}
	if ok {
		metrics.KeyCacheLookupsTotal.WithLabelValues("hit").Inc()
		return key, nil
	}
	metrics.KeyCacheLookupsTotal.WithLabelValues("miss").Inc()

	ch := r.group.DoChan(kid, func() (interface{}, error) {
		// Detached from the first caller so its cancellation does not fail
		// the other waiters. The client timeout still bounds the fetch.
		fetchCtx := context.WithoutCancel(ctx)
		keys, err := r.Fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		var found *SigningKey
		for _, k := range keys {
			if err := r.cache.Put(fetchCtx, k); err != nil {
				r.logger.Warn("key cache store failed", "kid", k.KeyID, "err", err)
			}
			if k.KeyID == kid {
				found = k
			}
		}
		if found == nil {
			return nil, errors.New("kid not present in key set")
		}
		return found, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &auth.KeyResolutionError{KeyID: kid, Err: ctx.Err()}
	}
	if res.Err != nil {
		var kre *auth.KeyResolutionError
		if errors.As(res.Err, &kre) {
			return nil, &auth.KeyResolutionError{KeyID: kid, Err: kre.Err}
		}
		return nil, &auth.KeyResolutionError{KeyID: kid, Err: res.Err}
	}
	return res.Val.(*SigningKey), nil
}

// Fetch downloads and parses the key set. Keys without a kid, symmetric keys
// and encryption keys are skipped.
func (r *KeyResolver) Fetch(ctx context.Context) ([]*SigningKey, error) {
	ctx, span := r.tracer.Start(ctx, "jwks.fetch", trace.WithAttributes(tracing.AttrJWKSURL.String(r.url)))
	defer span.End()

	start := time.Now()
	keys, err := r.fetch(ctx)
	metrics.JWKSFetchLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.JWKSFetchTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "jwks fetch failed")
		return nil, &auth.KeyResolutionError{Err: err}
	}
	metrics.JWKSFetchTotal.WithLabelValues("success").Inc()
	span.SetAttributes(tracing.AttrJWKSKeys.Int(len(keys)))
	return keys, nil
}

func (r *KeyResolver) fetch(ctx context.Context) ([]*SigningKey, error) {
	resp, err := r.client.R().SetContext(ctx).Get(r.url)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode())
	}

	set, err := jwk.Parse(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}

	keys := make([]*SigningKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		if k.KeyID() == "" || k.KeyType() == jwa.OctetSeq || k.KeyUsage() == "enc" {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			r.logger.Warn("skipping unusable jwk", "kid", k.KeyID(), "err", err)
			continue
		}
		var raw interface{}
		if err := pub.Raw(&raw); err != nil {
			r.logger.Warn("skipping unusable jwk", "kid", k.KeyID(), "err", err)
			continue
		}
		alg := ""
		if a := k.Algorithm(); a != nil {
			alg = a.String()
		}
		keys = append(keys, &SigningKey{KeyID: k.KeyID(), Algorithm: alg, Key: raw})
	}
	return keys, nil
}
