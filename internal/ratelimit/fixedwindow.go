package ratelimit

import (
	"context"
	"strconv"
	"time"
)

type fixedWindow struct {
	store Store
}

func validateWindow(s SingleTier) error {
	if s.Limit <= 0 {
		return invalidf("fixed window limit must be > 0, got %d", s.Limit)
	}
	if s.WindowSeconds <= 0 {
		return invalidf("fixed window size must be > 0 seconds, got %d", s.WindowSeconds)
	}
	return nil
}

// windowID is floor(now / windowSeconds). A request exactly on a boundary
// belongs to the new window.
func windowID(now time.Time, windowSeconds int64) int64 {
	sec := now.Unix()
	id := sec / windowSeconds
	if sec%windowSeconds != 0 && sec < 0 {
		id--
	}
	return id
}

func windowReset(id, windowSeconds int64) time.Time {
	return time.Unix((id+1)*windowSeconds, 0)
}

// retryAfter rounds the time left until reset up to whole seconds.
func retryAfter(now, reset time.Time) time.Duration {
	d := reset.Sub(now)
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

func (fw fixedWindow) check(ctx context.Context, key string, limit, windowSeconds int64, now time.Time) (Result, error) {
	id := windowID(now, windowSeconds)
	count, err := fw.store.IncrWindow(ctx, key+":"+strconv.FormatInt(id, 10), windowTTL(windowSeconds))
	if err != nil {
		return Result{}, storeErr("incr_window", err)
	}
	return windowResult(count, limit, windowReset(id, windowSeconds), now), nil
}

func windowResult(count, limit int64, reset, now time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   reset,
		Algorithm: FixedWindow,
	}
	if !res.Allowed {
		res.RetryAfter = retryAfter(now, reset)
	}
	return res
}
