package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces limiter state in Redis.
const DefaultKeyPrefix = "ramguard:quota:"

type Decision struct {
	Allowed bool
	// Remaining is how many more requests the burst allows right now.
	Remaining  int
	RetryAfter time.Duration
}

// Limiter spends one request of q for caller within scope.
type Limiter interface {
	Allow(ctx context.Context, scope, caller string, q Quota) (Decision, error)
}

// RedisLimiter implements the generic cell rate algorithm. Each scope and
// caller pair is a single Redis key holding the theoretical arrival time in
// unix milliseconds, so every gateway replica spends from the same quota.
type RedisLimiter struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

type Option func(*RedisLimiter)

func WithKeyPrefix(prefix string) Option {
	return func(l *RedisLimiter) { l.prefix = prefix }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *RedisLimiter) { l.now = now }
}

func NewRedisLimiter(rdb redis.Cmdable, opts ...Option) *RedisLimiter {
	l := &RedisLimiter{rdb: rdb, prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// KEYS[1] state key; ARGV now_ms, emission_ms, burst.
// Returns {allowed, retry_after_ms, remaining}.
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call("GET", KEYS[1]))
if not tat or tat < now then
  tat = now
end

local allow_at = tat + emission - burst * emission
if now < allow_at then
  return {0, allow_at - now, 0}
end

local new_tat = tat + emission
redis.call("SET", KEYS[1], new_tat, "PX", new_tat - now)
return {1, 0, math.floor((now - (new_tat - burst * emission)) / emission)}
`)

func (l *RedisLimiter) Allow(ctx context.Context, scope, caller string, q Quota) (Decision, error) {
	if l == nil || l.rdb == nil || !q.Enabled() {
		return Decision{Allowed: true}, nil
	}
	res, err := gcraScript.Run(ctx, l.rdb, []string{l.key(scope, caller)},
		l.now().UnixMilli(), q.emission(), q.burst()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("quota %s: %w", scope, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("quota %s: unexpected script reply %T", scope, res)
	}
	allowed, _ := vals[0].(int64)
	retryMS, _ := vals[1].(int64)
	remaining, _ := vals[2].(int64)
	if allowed == 1 {
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}
	if retryMS < 1 {
		retryMS = 1
	}
	return Decision{RetryAfter: time.Duration(retryMS) * time.Millisecond}, nil
}

// key hashes caller so subjects and addresses never appear in key names.
func (l *RedisLimiter) key(scope, caller string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	sum := sha256.Sum256([]byte(caller))
	return l.prefix + scope + ":" + hex.EncodeToString(sum[:])
}
