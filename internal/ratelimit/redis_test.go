package ratelimit

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter emulates the script cache of a Redis server. Only the fixed
// window script is executed; the bucket script returns a canned reply.
type fakeScripter struct {
	redis.Scripter

	mu       sync.Mutex
	scripts  map[string]string
	counters map[string]int64
	loads    atomic.Int64
	evals    atomic.Int64

	forget bool // drop every script right after loading it
	hang   bool // block EvalSha until ctx is done
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{scripts: map[string]string{}, counters: map[string]int64{}}
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	f.loads.Add(1)
	sum := sha1.Sum([]byte(script))
	sha := hex.EncodeToString(sum[:])
	f.mu.Lock()
	if !f.forget {
		f.scripts[sha] = script
	}
	f.mu.Unlock()
	return redis.NewStringResult(sha, nil)
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	f.evals.Add(1)
	if f.hang {
		<-ctx.Done()
		return redis.NewCmdResult(nil, ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.scripts[sha]
	if !ok {
		return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script. Please use EVAL."))
	}
	switch src {
	case fixedWindowLua:
		f.counters[keys[0]]++
		return redis.NewCmdResult(f.counters[keys[0]], nil)
	default:
		return redis.NewCmdResult([]any{int64(1), "4.5"}, nil)
	}
}

func (f *fakeScripter) flush() {
	f.mu.Lock()
	f.scripts = map[string]string{}
	f.mu.Unlock()
}

func TestRedisStore_ReloadsFlushedScriptOnce(t *testing.T) {
	rdb := newFakeScripter()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	n, err := s.IncrWindow(ctx, "k:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), rdb.loads.Load())

	rdb.flush()
	n, err = s.IncrWindow(ctx, "k:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), rdb.loads.Load())
	assert.Equal(t, int64(3), rdb.evals.Load())

	rdb.mu.Lock()
	assert.Equal(t, int64(2), rdb.counters["rl:k:1"])
	rdb.mu.Unlock()
}

func TestRedisStore_ConcurrentNoScriptRegistersOnce(t *testing.T) {
	rdb := newFakeScripter()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	_, err := s.IncrWindow(ctx, "hot", time.Minute)
	require.NoError(t, err)
	rdb.flush()

	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		go func() {
			defer wg.Done()
			_, err := s.IncrWindow(ctx, "hot", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), rdb.loads.Load())
	rdb.mu.Lock()
	assert.Equal(t, int64(21), rdb.counters["rl:hot"])
	rdb.mu.Unlock()
}

func TestRedisStore_SecondNoScriptIsNotRetried(t *testing.T) {
	rdb := newFakeScripter()
	rdb.forget = true
	s := NewRedisStore(rdb)

	_, err := s.IncrWindow(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcedureNotRegistered)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int64(2), rdb.evals.Load())
	assert.Equal(t, int64(2), rdb.loads.Load())
}

func TestRedisStore_TimeoutFallsBackToPolicy(t *testing.T) {
	rdb := newFakeScripter()
	rdb.hang = true
	s := NewRedisStore(rdb, WithStoreTimeout(20*time.Millisecond))

	l, err := New(s)
	require.NoError(t, err)

	start := time.Now()
	res, err := l.Check(context.Background(), windowReq("slow", 3, 60))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Remaining)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRedisStore_BucketReply(t *testing.T) {
	rdb := newFakeScripter()
	s := NewRedisStore(rdb, WithKeyPrefix("t:"))

	ok, tokens, err := s.TakeTokens(context.Background(), "b", 10, 1, 1, 1.5, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4.5, tokens)
}

// redisClient connects to REDIS_ADDR (default localhost:6379) or skips.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStore_Live(t *testing.T) {
	rdb := redisClient(t)
	prefix := "rltest:" + uuid.NewString() + ":"
	store := NewRedisStore(rdb, WithKeyPrefix(prefix), WithStoreTimeout(time.Second))
	ctx := context.Background()
	require.NoError(t, store.Preload(ctx))

	clock := newFakeClock(time.Now())
	l, err := New(store, WithClock(clock.Now), WithFailOpen(false))
	require.NoError(t, err)

	t.Run("token bucket", func(t *testing.T) {
		req := bucketReq("bucket", 3, 1)
		for i := 0; i < 3; i++ {
			res, err := l.Check(ctx, req)
			require.NoError(t, err)
			require.True(t, res.Allowed)
			assert.Equal(t, int64(2-i), res.Remaining)
		}
		res, err := l.Check(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Empty(t, res.ExceededTier)

		clock.Advance(1500 * time.Millisecond)
		res, err = l.Check(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		ttl, err := rdb.PTTL(ctx, prefix+"bucket").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("fixed window", func(t *testing.T) {
		req := windowReq("window", 2, 60)
		for i := 0; i < 2; i++ {
			ok, err := l.Allow(ctx, req)
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := l.Allow(ctx, req)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("survives script flush", func(t *testing.T) {
		require.NoError(t, rdb.ScriptFlush(ctx).Err())
		res, err := l.Check(ctx, windowReq("flushed", 5, 60))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(4), res.Remaining)
	})

	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
	})
}
