package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// Index keys maintained by the Redis revocation store and Redis key cache.
// Each is a sorted set scored by expiry (unix seconds).
const (
	RevocationIndexKey = "ramguard:revoked:index"
	KeyCacheIndexKey   = "ramguard:jwks:index"
)

type redisCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	revocationsDesc *prometheus.Desc
	keyCacheDesc    *prometheus.Desc
}

func newRedisCollector(rdb *redis.Client, logger *slog.Logger) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCollector{
		rdb:    rdb,
		logger: logger,
		revocationsDesc: prometheus.NewDesc(
			"ramguard_revocations_active",
			"Current number of unexpired revocation entries in Redis.",
			nil,
			nil,
		),
		keyCacheDesc: prometheus.NewDesc(
			"ramguard_key_cache_entries",
			"Current number of unexpired signing keys in the shared Redis key cache.",
			nil,
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.revocationsDesc
	ch <- c.keyCacheDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	minScore := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	pipe := c.rdb.Pipeline()
	revoked := pipe.ZCount(ctx, RevocationIndexKey, minScore, "+inf")
	keys := pipe.ZCount(ctx, KeyCacheIndexKey, minScore, "+inf")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}

	emitGauge(ch, c.revocationsDesc, float64(revoked.Val()))
	emitGauge(ch, c.keyCacheDesc, float64(keys.Val()))
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerOnce sync.Once

// RegisterRedisCollector exposes Redis-backed auth state on /metrics. Only the
// first call registers.
func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger) {
	if rdb == nil {
		return
	}
	registerOnce.Do(func() {
		prometheus.MustRegister(newRedisCollector(rdb, logger))
	})
}
