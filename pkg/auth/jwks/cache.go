package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 10 * time.Minute
)

// SigningKey is a public key published by the issuer.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
}

// KeyCache stores signing keys by key id. Implementations must be safe for
// concurrent use.
type KeyCache interface {
	Get(ctx context.Context, kid string) (*SigningKey, bool, error)
	Put(ctx context.Context, key *SigningKey) error
}

type memoryKeyCache struct {
	lru *expirable.LRU[string, *SigningKey]
}

// NewMemoryKeyCache returns a process-local LRU cache whose entries expire
// after ttl.
func NewMemoryKeyCache(size int, ttl time.Duration) KeyCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &memoryKeyCache{lru: expirable.NewLRU[string, *SigningKey](size, nil, ttl)}
}

func (c *memoryKeyCache) Get(_ context.Context, kid string) (*SigningKey, bool, error) {
	key, ok := c.lru.Get(kid)
	return key, ok, nil
}

func (c *memoryKeyCache) Put(_ context.Context, key *SigningKey) error {
	if key == nil || key.KeyID == "" {
		return errors.New("signing key without kid")
	}
	c.lru.Add(key.KeyID, key)
	return nil
}

type redisKeyCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type redisKeyEntry struct {
	KeyID     string          `json:"kid"`
	Algorithm string          `json:"alg,omitempty"`
	JWK       json.RawMessage `json:"jwk"`
}

// NewRedisKeyCache returns a cache shared by every replica pointed at the same
// Redis. Keys are stored as JWK JSON under prefix+kid.
func NewRedisKeyCache(rdb redis.Cmdable, prefix string, ttl time.Duration) KeyCache {
	if prefix == "" {
		prefix = "ramguard:jwks:key:"
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &redisKeyCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *redisKeyCache) Get(ctx context.Context, kid string) (*SigningKey, bool, error) {
	data, err := c.rdb.Get(ctx, c.prefix+kid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get signing key: %w", err)
	}
	var entry redisKeyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cached signing key: %w", err)
	}
	parsed, err := jwk.ParseKey(entry.JWK)
	if err != nil {
		return nil, false, fmt.Errorf("parse cached signing key: %w", err)
	}
	var raw interface{}
	if err := parsed.Raw(&raw); err != nil {
		return nil, false, fmt.Errorf("materialize cached signing key: %w", err)
	}
	return &SigningKey{KeyID: entry.KeyID, Algorithm: entry.Algorithm, Key: raw}, true, nil
}

func (c *redisKeyCache) Put(ctx context.Context, key *SigningKey) error {
	if key == nil || key.KeyID == "" {
		return errors.New("signing key without kid")
	}
	jk, err := jwk.FromRaw(key.Key)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	encoded, err := json.Marshal(jk)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	data, err := json.Marshal(redisKeyEntry{KeyID: key.KeyID, Algorithm: key.Algorithm, JWK: encoded})
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}

	now := time.Now().UTC()
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.prefix+key.KeyID, data, c.ttl)
	pipe.ZAdd(ctx, metrics.KeyCacheIndexKey, &redis.Z{
		Score:  float64(now.Add(c.ttl).Unix()),
		Member: key.KeyID,
	})
	pipe.ZRemRangeByScore(ctx, metrics.KeyCacheIndexKey, "-inf", strconv.FormatInt(now.Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put signing key: %w", err)
	}
	return nil
}
