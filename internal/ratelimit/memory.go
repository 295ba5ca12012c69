package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type memEntry struct {
	tokens     float64
	lastRefill float64
	count      int64
	expiresAt  time.Time
}

// BucketState is the persisted token bucket of one key.
type BucketState struct {
	Tokens     float64
	LastRefill float64
}

// MemoryStore is an in-process Store. Every procedure runs under one mutex,
// which gives the same atomicity Redis gives its scripts, but the state is
// local to the process.
type MemoryStore struct {
	mu      sync.Mutex
	m       map[string]*memEntry
	cleanup time.Duration
	now     func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore starts a store whose expired keys are swept every
// cleanupEvery. A non-positive interval disables the sweeper; expired keys are
// then only dropped when touched.
func NewMemoryStore(cleanupEvery time.Duration) *MemoryStore {
	s := &MemoryStore{
		m:       make(map[string]*memEntry),
		cleanup: cleanupEvery,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupEvery > 0 {
		go s.gcLoop()
	}
	return s
}

func (s *MemoryStore) gcLoop() {
	t := time.NewTicker(s.cleanup)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			now := s.now()
			for k, e := range s.m {
				if !now.Before(e.expiresAt) {
					delete(s.m, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (s *MemoryStore) lookupLocked(key string, now time.Time) *memEntry {
	e := s.m[key]
	if e == nil {
		return nil
	}
	if !now.Before(e.expiresAt) {
		delete(s.m, key)
		return nil
	}
	return e
}

func (s *MemoryStore) TakeTokens(ctx context.Context, key string, capacity, refillRate, cost, now float64, ttl time.Duration) (bool, float64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, storeErr("take_tokens", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := s.now()
	e := s.lookupLocked(key, wall)
	if e == nil {
		e = &memEntry{tokens: capacity, lastRefill: now}
		s.m[key] = e
	}

	elapsed := math.Max(0, now-e.lastRefill)
	tokens := math.Min(capacity, e.tokens+elapsed*refillRate)

	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}
	e.tokens = tokens
	e.lastRefill = now
	e.expiresAt = wall.Add(ttl)
	return allowed, tokens, nil
}

func (s *MemoryStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("incr_window", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := s.now()
	e := s.lookupLocked(key, wall)
	if e == nil {
		e = &memEntry{expiresAt: wall.Add(ttl)}
		s.m[key] = e
	}
	e.count++
	return e.count, nil
}

// Count returns the live window counter stored at key.
func (s *MemoryStore) Count(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key, s.now())
	if e == nil {
		return 0, false
	}
	return e.count, true
}

// Bucket returns the live bucket stored at key.
func (s *MemoryStore) Bucket(key string) (BucketState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key, s.now())
	if e == nil {
		return BucketState{}, false
	}
	return BucketState{Tokens: e.tokens, LastRefill: e.lastRefill}, true
}

// Len reports how many keys are currently held, expired ones included until
// the sweeper runs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	return nil
}
