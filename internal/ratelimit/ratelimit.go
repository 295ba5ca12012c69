// Package ratelimit decides whether a unit of work for a key is admitted,
// using counters and buckets kept in a shared atomic store.
//
// Three algorithms are available: a token bucket, a fixed window counter and
// a multi-tier composite of fixed windows. Every read-modify-write runs as a
// single atomic procedure inside the Store (Lua on Redis, a mutex in memory),
// so many processes can share one budget per key.
//
// Store failures never surface from Check: they are turned into a decision by
// the FailurePolicy (fail open by default). Configuration mistakes do surface,
// as errors matching ErrInvalidConfig.
package ratelimit

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Algorithm selects the strategy for a single-tier check. The zero value means
// "use the limiter's default".
type Algorithm int

const (
	TokenBucket Algorithm = iota + 1
	FixedWindow
)

func (a Algorithm) String() string {
	switch a {
	case TokenBucket:
		return "token_bucket"
	case FixedWindow:
		return "fixed_window"
	default:
		return "unknown"
	}
}

// ParseAlgorithm accepts "token_bucket"/"tokenbucket" and
// "fixed_window"/"fixedwindow", case-insensitive. An empty string parses to
// the zero Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "":
		return 0, nil
	case "token_bucket", "tokenbucket":
		return TokenBucket, nil
	case "fixed_window", "fixedwindow":
		return FixedWindow, nil
	default:
		return 0, errors.Wrapf(ErrInvalidConfig, "unknown algorithm %q", s)
	}
}

// SingleTier describes a one-algorithm limit.
//
// Fixed window uses Limit and WindowSeconds. Token bucket uses Capacity
// (falling back to Limit when zero), RefillRate in tokens per second and Cost
// (tokens needed per call, default 1).
type SingleTier struct {
	Limit         int64
	WindowSeconds int64
	Capacity      int64
	RefillRate    float64
	Cost          int64
}

// Tiers maps a tier name (see TierWindows) to its limit.
type Tiers map[string]int64

// Request is one admission question. Exactly one of Single or Tiers is set.
type Request struct {
	Key       string
	Algorithm Algorithm
	Single    *SingleTier
	Tiers     Tiers
}

// Result is the outcome of a check. A denial is a normal result, not an error.
type Result struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	// ResetAt is zero when the algorithm has no meaningful reset point.
	ResetAt    time.Time
	RetryAfter time.Duration
	// ExceededTier names the failing tier of a multi-tier check, or
	// ExceededTierError when a closed FailurePolicy denied the call.
	ExceededTier string
	Algorithm    Algorithm
}

// DefaultTierWindows are the predefined tier names.
var DefaultTierWindows = map[string]time.Duration{
	"per_second": time.Second,
	"per_minute": time.Minute,
	"per_hour":   time.Hour,
	"per_day":    24 * time.Hour,
}
