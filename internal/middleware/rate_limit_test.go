package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/internal/ratelimit"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

type call struct {
	scope, caller string
	quota         ratelimit.Quota
}

type mockLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    []call
}

func (m *mockLimiter) Allow(_ context.Context, scope, caller string, q ratelimit.Quota) (ratelimit.Decision, error) {
	m.calls = append(m.calls, call{scope, caller, q})
	return m.decision, m.err
}

var uploadRef = guard.HandlerRef{Class: "media", Handler: "upload"}

func newRateLimitRouter(t *testing.T, lim ratelimit.Limiter, policy *ratelimit.Policy) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(Verify(staticValidator(t), WithCredentialsRequired(false)))
	r.GET("/x", RateLimit(lim, policy, uploadRef), whoami)
	return r
}

func TestRateLimitNoQuotaSkipsLimiter(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false}}
	policy := ratelimit.NewPolicy(ratelimit.Quota{}, ratelimit.Quota{})
	rec, _ := do(t, newRateLimitRouter(t, lim, policy), httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK || len(lim.calls) != 0 {
		t.Fatalf("expected unlimited handler to skip limiter, got %d calls=%d", rec.Code, len(lim.calls))
	}
}

func TestRateLimitScopesByHandlerAndKeysByCaller(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 4}}
	policy := ratelimit.NewPolicy(ratelimit.Quota{RequestsPerMinute: 100}, ratelimit.Quota{RequestsPerMinute: 5, BurstSize: 1})
	policy.Set("media.upload", ratelimit.Quota{RequestsPerMinute: 10, BurstSize: 5})
	r := newRateLimitRouter(t, lim, policy)

	rec, _ := do(t, r, bearer(httptest.NewRequest(http.MethodGet, "/x", nil), "good-token"))
	if rec.Header().Get("X-RateLimit-Limit") != "10" || rec.Header().Get("X-RateLimit-Remaining") != "4" {
		t.Fatalf("unexpected quota headers %v", rec.Header())
	}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.7:1234"
	do(t, r, req)

	want := []call{
		{"media.upload", "sub:alice", ratelimit.Quota{RequestsPerMinute: 10, BurstSize: 5}},
		{"media.upload", "ip:10.0.0.7", ratelimit.Quota{RequestsPerMinute: 5, BurstSize: 1}},
	}
	if len(lim.calls) != len(want) {
		t.Fatalf("expected %d limiter calls, got %v", len(want), lim.calls)
	}
	for i := range want {
		if lim.calls[i] != want[i] {
			t.Errorf("call %d: expected %+v, got %+v", i, want[i], lim.calls[i])
		}
	}
}

func TestRateLimitDenied(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	policy := ratelimit.NewPolicy(ratelimit.Quota{RequestsPerMinute: 10, BurstSize: 1}, ratelimit.Quota{})
	before := testutil.ToFloat64(metrics.RateLimitHitsTotal.WithLabelValues("media.upload"))

	rec, body := do(t, newRateLimitRouter(t, lim, policy), httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3" || body["retryAfterSeconds"] != float64(3) {
		t.Fatalf("unexpected retry info %q %v", rec.Header().Get("Retry-After"), body)
	}
	if after := testutil.ToFloat64(metrics.RateLimitHitsTotal.WithLabelValues("media.upload")); after != before+1 {
		t.Fatalf("expected hit counter to increase, got %v -> %v", before, after)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	lim := &mockLimiter{err: errors.New("redis down")}
	policy := ratelimit.NewPolicy(ratelimit.Quota{RequestsPerMinute: 10, BurstSize: 1}, ratelimit.Quota{})
	rec, _ := do(t, newRateLimitRouter(t, lim, policy), httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected limiter errors to fail open, got %d", rec.Code)
	}
}

func TestRateLimitWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	policy := ratelimit.NewPolicy(ratelimit.Quota{}, ratelimit.Quota{})
	policy.Set("media", ratelimit.Quota{RequestsPerMinute: 1, BurstSize: 2})
	r := newRateLimitRouter(t, ratelimit.NewRedisLimiter(rdb), policy)

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		rec, _ := do(t, r, bearer(httptest.NewRequest(http.MethodGet, "/x", nil), "good-token"))
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}
