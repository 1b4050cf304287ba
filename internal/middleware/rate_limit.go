package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/internal/ratelimit"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

// RateLimit spends one request of the quota policy assigns to ref. Verified
// callers are keyed by subject, anonymous ones by client IP. It must run
// after Verify.
func RateLimit(lim ratelimit.Limiter, policy *ratelimit.Policy, ref guard.HandlerRef) gin.HandlerFunc {
	scope := ref.Class
	if ref.Handler != "" {
		scope += "." + ref.Handler
	}
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		anonymous := !ok || claims.Subject == ""
		quota := policy.For(ref.Class, ref.Handler, anonymous)
		if lim == nil || !quota.Enabled() {
			c.Next()
			return
		}

		caller := "ip:" + c.ClientIP()
		if !anonymous {
			caller = "sub:" + claims.Subject
		}
		dec, err := lim.Allow(c.Request.Context(), scope, caller, quota)
		if err != nil {
			// Fail open.
			Logger(c).Warn("quota check failed", "scope", scope, "err", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(quota.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(math.Ceil(dec.RetryAfter.Seconds()))
		if retryAfterSeconds < 1 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(scope).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}
