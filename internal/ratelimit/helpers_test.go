package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// epoch is minute-aligned: 1_700_000_040 is a multiple of 60.
var epoch = time.Unix(1_700_000_040, 0)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, clock *fakeClock, opts ...Option) (*Limiter, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	l, err := New(store, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return l, store
}

// failingStore fails every call and counts them.
type failingStore struct {
	calls atomic.Int64
	err   error
}

func (s *failingStore) TakeTokens(ctx context.Context, key string, capacity, refillRate, cost, now float64, ttl time.Duration) (bool, float64, error) {
	s.calls.Add(1)
	return false, 0, s.failure()
}

func (s *failingStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.calls.Add(1)
	return 0, s.failure()
}

func (s *failingStore) failure() error {
	if s.err != nil {
		return s.err
	}
	return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func bucketReq(key string, capacity int64, rate float64) Request {
	return Request{Key: key, Algorithm: TokenBucket, Single: &SingleTier{Capacity: capacity, RefillRate: rate}}
}

func windowReq(key string, limit, windowSeconds int64) Request {
	return Request{Key: key, Algorithm: FixedWindow, Single: &SingleTier{Limit: limit, WindowSeconds: windowSeconds}}
}
