package ratelimit

import (
	"context"
	"time"
)

// DurableLimiter adapts a Backend (typically a RedisBackend wrapped in a
// FallbackBackend for local degradation) to the same admission check
// Middleware drives Limiter through, so a deployment can choose a
// cross-instance durable limiter without the middleware knowing which one
// it is talking to.
type DurableLimiter struct {
	backend Backend
}

// NewDurableLimiter wraps backend as a RateLimiter.
func NewDurableLimiter(backend Backend) *DurableLimiter {
	return &DurableLimiter{backend: backend}
}

// Allow converts a (category, key, cfg) fixed-window check into a token
// bucket check: the bucket holds cfg.MaxRequests tokens and refills fully
// once per cfg.window(), matching the in-memory Limiter's long-run
// admission rate while enforcing it against shared, not per-instance,
// state.
func (d *DurableLimiter) Allow(category Category, key string, cfg Config) Result {
	refillRate := float64(cfg.MaxRequests) / cfg.window().Seconds()
	bucketKey := string(category) + ":" + key

	allowed, remaining, err := d.backend.CheckRateLimit(context.Background(), bucketKey, cfg.MaxRequests, refillRate, 1)
	if err != nil {
		// The backend itself failed outright (not wrapped in a
		// FallbackBackend, or the fallback's own local check errored,
		// which it never does) — fail open rather than block every
		// request on a dead dependency.
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetAt: time.Now().Add(cfg.window())}
	}
	return Result{Allowed: allowed, Remaining: remaining, ResetAt: time.Now().Add(cfg.window())}
}
