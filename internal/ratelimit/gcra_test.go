package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return NewRedisLimiter(rdb, WithClock(clock.Now)), mr, clock
}

func TestRedisLimiter_UnlimitedQuota(t *testing.T) {
	lim, mr, _ := newTestLimiter(t)
	dec, err := lim.Allow(context.Background(), "media.list", "sub:alice", Quota{})
	if err != nil || !dec.Allowed {
		t.Fatalf("expected unlimited quota to allow, got %+v %v", dec, err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no state for unlimited quota, got %v", keys)
	}
}

func TestRedisLimiter_BurstThenSustainedRate(t *testing.T) {
	lim, _, clock := newTestLimiter(t)
	ctx := context.Background()
	q := Quota{RequestsPerMinute: 60, BurstSize: 3} // one per second

	for i, wantRemaining := range []int{2, 1, 0} {
		dec, err := lim.Allow(ctx, "media.upload", "sub:alice", q)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !dec.Allowed || dec.Remaining != wantRemaining {
			t.Fatalf("request %d: expected allowed with %d remaining, got %+v", i, wantRemaining, dec)
		}
	}

	dec, err := lim.Allow(ctx, "media.upload", "sub:alice", q)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if dec.Allowed || dec.RetryAfter != time.Second {
		t.Fatalf("expected denial with 1s retry, got %+v", dec)
	}

	clock.Advance(400 * time.Millisecond)
	dec, _ = lim.Allow(ctx, "media.upload", "sub:alice", q)
	if dec.Allowed || dec.RetryAfter != 600*time.Millisecond {
		t.Fatalf("expected 600ms retry, got %+v", dec)
	}

	clock.Advance(600 * time.Millisecond)
	dec, _ = lim.Allow(ctx, "media.upload", "sub:alice", q)
	if !dec.Allowed || dec.Remaining != 0 {
		t.Fatalf("expected one request after the emission interval, got %+v", dec)
	}
}

func TestRedisLimiter_ScopesAndCallersAreIndependent(t *testing.T) {
	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()
	q := Quota{RequestsPerMinute: 1, BurstSize: 1}

	if dec, _ := lim.Allow(ctx, "media.upload", "sub:alice", q); !dec.Allowed {
		t.Fatal("expected first request allowed")
	}
	if dec, _ := lim.Allow(ctx, "media.upload", "sub:alice", q); dec.Allowed {
		t.Fatal("expected second request denied")
	}
	if dec, _ := lim.Allow(ctx, "media.upload", "sub:bob", q); !dec.Allowed {
		t.Fatal("expected another caller to have its own quota")
	}
	if dec, _ := lim.Allow(ctx, "auth.check", "sub:alice", q); !dec.Allowed {
		t.Fatal("expected another handler to have its own quota")
	}
}

func TestRedisLimiter_KeyHidesCaller(t *testing.T) {
	lim, mr, _ := newTestLimiter(t)
	if _, err := lim.Allow(context.Background(), "media.upload", "sub:alice@example.com", Quota{RequestsPerMinute: 60, BurstSize: 5}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %v", keys)
	}
	if want := lim.key("media.upload", "sub:alice@example.com"); keys[0] != want {
		t.Fatalf("expected key %q, got %q", want, keys[0])
	}
	if len(keys[0]) != len(DefaultKeyPrefix+"media.upload:")+64 {
		t.Fatalf("expected hashed caller in key, got %q", keys[0])
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > time.Second {
		t.Fatalf("expected state to expire within one emission interval, got %v", ttl)
	}
}

func TestRedisLimiter_RedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	lim := NewRedisLimiter(rdb)
	if _, err := lim.Allow(context.Background(), "media.list", "sub:alice", Quota{RequestsPerMinute: 10}); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
