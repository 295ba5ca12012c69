package ratelimit

import (
	"context"
	"math"
	"time"
)

type bucketSpec struct {
	capacity   int64
	refillRate float64
	cost       int64
}

func newBucketSpec(s SingleTier) (bucketSpec, error) {
	b := bucketSpec{capacity: s.Capacity, refillRate: s.RefillRate, cost: s.Cost}
	if b.capacity == 0 {
		b.capacity = s.Limit
	}
	if b.cost == 0 {
		b.cost = 1
	}
	switch {
	case b.capacity <= 0:
		return b, invalidf("token bucket capacity must be > 0, got %d", b.capacity)
	case b.refillRate <= 0 || math.IsNaN(b.refillRate) || math.IsInf(b.refillRate, 0):
		return b, invalidf("token bucket refill rate must be > 0, got %v", b.refillRate)
	case b.cost < 0:
		return b, invalidf("token bucket cost must be > 0, got %d", b.cost)
	case b.cost > b.capacity:
		return b, invalidf("token bucket cost %d exceeds capacity %d", b.cost, b.capacity)
	}
	return b, nil
}

type tokenBucket struct {
	store Store
}

func (tb tokenBucket) check(ctx context.Context, key string, b bucketSpec, now time.Time) (Result, error) {
	capacity := float64(b.capacity)
	cost := float64(b.cost)

	allowed, tokens, err := tb.store.TakeTokens(ctx, key, capacity, b.refillRate, cost, unixSeconds(now), bucketTTL(capacity, b.refillRate))
	if err != nil {
		return Result{}, storeErr("take_tokens", err)
	}
	tokens = math.Max(0, math.Min(capacity, tokens))

	res := Result{
		Allowed:   allowed,
		Remaining: int64(math.Floor(tokens)),
		Limit:     b.capacity,
		Algorithm: TokenBucket,
	}
	if !allowed {
		secs := math.Ceil((cost - tokens) / b.refillRate)
		res.RetryAfter = time.Duration(secs) * time.Second
		res.ResetAt = now.Add(res.RetryAfter)
	}
	return res, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
