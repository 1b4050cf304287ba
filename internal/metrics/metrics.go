package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ramguard"

var (
	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_verifications_total",
			Help:      "Total number of bearer token verifications, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	JWKSFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetch_total",
			Help:      "Total number of JWKS document fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	JWKSFetchLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jwks_fetch_latency_seconds",
			Help:      "Latency of JWKS document fetches including retries (seconds).",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	KeyCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_lookups_total",
			Help:      "Signing key cache lookups, labeled by hit or miss.",
		},
		[]string{"result"},
	)

	AuthzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Authorization guard decisions, labeled by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the per-caller rate limiter, labeled by scope.",
		},
		[]string{"scope"},
	)

	RevocationChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_checks_total",
			Help:      "Revocation checks after successful verification, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TokenVerificationsTotal,
		JWKSFetchTotal,
		JWKSFetchLatencySeconds,
		KeyCacheLookupsTotal,
		AuthzDecisionsTotal,
		RateLimitHitsTotal,
		RevocationChecksTotal,
	)
}
