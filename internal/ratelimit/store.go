package ratelimit

import (
	"context"
	"math"
	"time"
)

// Store is the shared atomic state store. Each method is one indivisible
// read-modify-write procedure; no two callers may interleave inside it for
// the same key.
type Store interface {
	// TakeTokens refills the bucket at key (created full when absent), then
	// consumes cost tokens if available. The refilled state is persisted even
	// when the take is refused. now is in seconds since the epoch. tokens is
	// the balance after the operation.
	TakeTokens(ctx context.Context, key string, capacity, refillRate, cost, now float64, ttl time.Duration) (allowed bool, tokens float64, err error)

	// IncrWindow increments the counter at key and returns the new count.
	// ttl is applied only when the increment created the counter.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// maxStateTTL bounds every TTL the store is asked to apply. Durations beyond
// it would overflow time.Duration.
const maxStateTTL = 10 * 365 * 24 * time.Hour

// bucketTTL keeps bucket state alive for at least twice the time needed to
// refill from empty.
func bucketTTL(capacity, refillRate float64) time.Duration {
	return secondsTTL(2 * math.Ceil(capacity/refillRate))
}

func windowTTL(windowSeconds int64) time.Duration {
	return secondsTTL(2 * float64(windowSeconds))
}

// secondsTTL converts in float seconds so huge values saturate instead of
// wrapping negative.
func secondsTTL(secs float64) time.Duration {
	switch {
	case math.IsNaN(secs) || secs < 1:
		return time.Second
	case secs >= maxStateTTL.Seconds():
		return maxStateTTL
	default:
		return time.Duration(secs) * time.Second
	}
}
