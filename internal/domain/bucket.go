package domain

import "math"

// RateLimitBucket is the persisted state of one token bucket.
type RateLimitBucket struct {
	Capacity        float64 `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	Tokens          float64 `json:"tokens"`
	LastRefillNanos int64   `json:"last_refill_ns"`
}

// Refill adds the tokens earned since LastRefillNanos, capped at Capacity.
// A clock that went backwards earns nothing and does not move
// LastRefillNanos.
func (b RateLimitBucket) Refill(nowNanos int64) RateLimitBucket {
	elapsed := nowNanos - b.LastRefillNanos
	if elapsed <= 0 {
		return b
	}

	b.Tokens = math.Min(b.Capacity, b.Tokens+float64(elapsed)/1e9*b.RefillPerSecond)
	if b.Tokens < 0 {
		b.Tokens = 0
	}
	b.LastRefillNanos = nowNanos

	return b
}

// WaitNanos is how long until n tokens are available, or -1 if never.
func (b RateLimitBucket) WaitNanos(n float64) int64 {
	if b.Tokens >= n {
		return 0
	}
	if b.RefillPerSecond <= 0 || n > b.Capacity {
		return -1
	}

	return int64(math.Ceil((n - b.Tokens) / b.RefillPerSecond * 1e9))
}
