package ratelimit

import "context"

// Backend is an optional durable token-bucket check, used when the
// operator wants rate-limit state shared across instances instead of the
// per-instance in-memory Limiter (spec §5's "all in-memory state is per
// instance... defense-in-depth, not global" explicitly allows either).
// DurableLimiter (durable.go) wraps one of these to satisfy the same
// category admission check as Limiter.
type Backend interface {
	// CheckRateLimit atomically consumes `requested` tokens from the
	// maxTokens-capacity, refillRate-per-second bucket for key, returning
	// whether the request is allowed and the tokens left.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}
