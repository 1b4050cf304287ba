// Package providers builds the shared clients the gateway depends on.
package providers

import "github.com/go-redis/redis/v8"

// NewRedisProvider returns a client for the key cache, revocation store and
// rate limiter. It does not dial until first use.
func NewRedisProvider(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}
