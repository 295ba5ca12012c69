package api

import (
	"time"

	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/httpx"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

// CheckRequest names a policy, or describes the limit inline.
type CheckRequest struct {
	Key    string `json:"key"`
	Policy string `json:"policy,omitempty"`

	Algorithm     string           `json:"algorithm,omitempty"`
	Limit         int64            `json:"limit,omitempty"`
	WindowSeconds int64            `json:"window_seconds,omitempty"`
	Capacity      int64            `json:"capacity,omitempty"`
	RefillRate    float64          `json:"refill_rate,omitempty"`
	Cost          int64            `json:"cost,omitempty"`
	Tiers         map[string]int64 `json:"tiers,omitempty"`
}

func (c CheckRequest) inline() config.PolicyConfig {
	return config.PolicyConfig{
		Name:          "inline",
		Algorithm:     c.Algorithm,
		Limit:         c.Limit,
		WindowSeconds: c.WindowSeconds,
		Capacity:      c.Capacity,
		RefillRate:    c.RefillRate,
		Cost:          c.Cost,
		Tiers:         c.Tiers,
	}
}

type CheckResponse struct {
	Key               string     `json:"key"`
	Policy            string     `json:"policy,omitempty"`
	Allowed           bool       `json:"allowed"`
	Remaining         int64      `json:"remaining"`
	Limit             int64      `json:"limit"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
	ExceededTier      string     `json:"exceeded_tier,omitempty"`
	Algorithm         string     `json:"algorithm"`
}

func NewCheckResponse(key, policy string, res ratelimit.Result) CheckResponse {
	out := CheckResponse{
		Key:               key,
		Policy:            policy,
		Allowed:           res.Allowed,
		Remaining:         res.Remaining,
		Limit:             res.Limit,
		RetryAfterSeconds: httpx.RetryAfterSeconds(res),
		ExceededTier:      res.ExceededTier,
		Algorithm:         res.Algorithm.String(),
	}
	if !res.ResetAt.IsZero() {
		reset := res.ResetAt.UTC()
		out.ResetAt = &reset
	}
	return out
}
