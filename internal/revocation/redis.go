package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

const keyPrefix = "ramguard:revoked:"

func keyToken(jti string) string       { return keyPrefix + "jti:" + jti }
func keySubject(subject string) string { return keyPrefix + "sub:" + subject }

// Redis is a Store shared by every replica. Token entries expire with the
// token; subject cutoffs expire after the maximum token lifetime.
type Redis struct {
	rdb         redis.Cmdable
	maxLifetime time.Duration
}

func NewRedis(rdb redis.Cmdable, maxLifetime time.Duration) *Redis {
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxTokenLifetime
	}
	return &Redis{rdb: rdb, maxLifetime: maxLifetime}
}

func (r *Redis) IsRevoked(ctx context.Context, claims *auth.Claims) (bool, error) {
	if claims == nil {
		return false, nil
	}
	pipe := r.rdb.Pipeline()
	var tokenCmd *redis.IntCmd
	if claims.ID != "" {
		tokenCmd = pipe.Exists(ctx, keyToken(claims.ID))
	}
	var subjectCmd *redis.StringCmd
	if claims.Subject != "" {
		subjectCmd = pipe.Get(ctx, keySubject(claims.Subject))
	}
	if tokenCmd == nil && subjectCmd == nil {
		return false, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}

	if tokenCmd != nil && tokenCmd.Val() > 0 {
		return true, nil
	}
	if subjectCmd == nil {
		return false, nil
	}
	raw, err := subjectCmd.Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt subject revocation for %q: %w", claims.Subject, err)
	}
	return revokedBySubject(claims, time.Unix(unix, 0)), nil
}

func (r *Redis) Revoke(ctx context.Context, claims *auth.Claims) error {
	if claims == nil {
		return ErrNoTokenID
	}
	if claims.ID == "" {
		if claims.IssuedAt.IsZero() {
			return ErrNoTokenID
		}
		return r.RevokeSubject(ctx, claims.Subject, claims.IssuedAt)
	}
	now := time.Now().UTC()
	ttl := tokenTTL(claims, now, r.maxLifetime)
	if ttl <= 0 {
		return nil
	}
	return r.store(ctx, keyToken(claims.ID), "1", "jti:"+claims.ID, now, ttl)
}

func (r *Redis) RevokeSubject(ctx context.Context, subject string, before time.Time) error {
	if subject == "" {
		return ErrNoTokenID
	}
	return r.store(ctx, keySubject(subject), strconv.FormatInt(before.Unix(), 10), "sub:"+subject, time.Now().UTC(), r.maxLifetime)
}

func (r *Redis) store(ctx context.Context, key, value, member string, now time.Time, ttl time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.ZAdd(ctx, metrics.RevocationIndexKey, &redis.Z{
		Score:  float64(now.Add(ttl).Unix()),
		Member: member,
	})
	pipe.ZRemRangeByScore(ctx, metrics.RevocationIndexKey, "-inf", strconv.FormatInt(now.Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}
