// Package backoff computes retry delays for JWKS fetches.
package backoff

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// Policy names accepted by Compute.
const (
	Fixed          = "fixed"
	Linear         = "linear"
	Exponential    = "exponential"
	ExpEqualJitter = "exp_equal_jitter"
	ExpFullJitter  = "exp_full_jitter"
)

// Valid reports whether policy is a known policy name. Empty means the default.
func Valid(policy string) bool {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", Fixed, Linear, Exponential, ExpEqualJitter, ExpFullJitter:
		return true
	}
	return false
}

// Compute returns the delay before retry number attempt (0 based).
func Compute(policy string, base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case Fixed:
		return minDuration(base, max)
	case Linear:
		return minDuration(base*time.Duration(attempt+1), max)
	case Exponential:
		return exp(base, max, attempt)
	case ExpEqualJitter:
		ceiling := exp(base, max, attempt)
		half := ceiling / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		ceiling := exp(base, max, attempt)
		if ceiling <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(ceiling) + 1))
	}
}

func exp(base, max time.Duration, attempt int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempt))
	if f > float64(max) {
		return max
	}
	return time.Duration(f)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
