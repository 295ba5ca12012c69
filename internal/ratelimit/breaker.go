package ratelimit

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	Enabled             bool
	FailureThreshold    int           // consecutive store failures to open
	OpenDuration        time.Duration // how long to skip the store
	HalfOpenMaxInFlight int           // trial store calls while half-open
}

// Breaker stops calling a failing store for a while. While it is open every
// check is decided by the FailurePolicy without a round-trip.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu           sync.Mutex
	state        BreakerState
	fails        int
	opensAt      time.Time
	halfInFlight int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.HalfOpenMaxInFlight <= 0 {
		cfg.HalfOpenMaxInFlight = 1
	}
	return &Breaker{cfg: cfg, now: time.Now, state: BreakerClosed}
}

type BreakerStats struct {
	Enabled       bool         `json:"enabled"`
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	OpensAt       time.Time    `json:"opens_at"`
	RetryAfterSec int          `json:"retry_after_seconds"`
	HalfInFlight  int          `json:"half_open_in_flight"`
}

func (b *Breaker) Stats() BreakerStats {
	if b == nil {
		return BreakerStats{State: BreakerClosed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == BreakerOpen {
		rem := b.cfg.OpenDuration - b.now().Sub(b.opensAt)
		if rem > 0 {
			retry = int((rem + time.Second - 1) / time.Second)
		}
	}
	return BreakerStats{
		Enabled:       b.cfg.Enabled,
		State:         b.state,
		Failures:      b.fails,
		OpensAt:       b.opensAt,
		RetryAfterSec: retry,
		HalfInFlight:  b.halfInFlight,
	}
}

// Allow reports whether the store may be called now. Every true must be
// followed by exactly one Done.
func (b *Breaker) Allow() bool {
	if b == nil || !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(b.now())
}

func (b *Breaker) allowLocked(now time.Time) bool {
	switch b.state {
	case BreakerOpen:
		if now.Sub(b.opensAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = BreakerHalfOpen
		b.fails = 0
		b.halfInFlight = 0
		return b.allowLocked(now)

	case BreakerHalfOpen:
		if b.halfInFlight >= b.cfg.HalfOpenMaxInFlight {
			return false
		}
		b.halfInFlight++
		return true

	default:
		return true
	}
}

// Done records the outcome of a store call admitted by Allow.
func (b *Breaker) Done(success bool) {
	if b == nil || !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.opensAt = b.now()
		}

	case BreakerHalfOpen:
		if b.halfInFlight > 0 {
			b.halfInFlight--
		}
		if success {
			b.state = BreakerClosed
			b.fails = 0
			return
		}
		b.state = BreakerOpen
		b.opensAt = b.now()
		b.fails = b.cfg.FailureThreshold
	}
}
