package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const tokenBucketLua = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call("HSET", key, "tokens", tostring(tokens), "ts", ARGV[4])
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, tostring(tokens)}
`

const fixedWindowLua = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`

// procedure is a server-side script and its cached SHA. gen increases on every
// successful registration so that concurrent callers that all saw NOSCRIPT
// for the same SHA register it only once.
type procedure struct {
	name string
	src  string

	mu  sync.Mutex
	sha string
	gen uint64
}

func (p *procedure) ref(ctx context.Context, rdb redis.Scripter) (string, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sha != "" {
		return p.sha, p.gen, nil
	}
	return p.registerLocked(ctx, rdb)
}

func (p *procedure) reregister(ctx context.Context, rdb redis.Scripter, staleGen uint64) (string, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sha != "" && p.gen != staleGen {
		return p.sha, p.gen, nil
	}
	return p.registerLocked(ctx, rdb)
}

func (p *procedure) registerLocked(ctx context.Context, rdb redis.Scripter) (string, uint64, error) {
	sha, err := rdb.ScriptLoad(ctx, p.src).Result()
	if err != nil {
		p.sha = ""
		return "", p.gen, errors.Wrapf(err, "load script %s", p.name)
	}
	p.sha = sha
	p.gen++
	return sha, p.gen, nil
}

type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of every key the store writes (default "rl:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithStoreTimeout bounds every round-trip (default 100ms).
func WithStoreTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// RedisStore runs the bucket and window procedures as Lua scripts, which
// Redis executes atomically. Scripts are registered lazily with SCRIPT LOAD
// and invoked with EVALSHA.
type RedisStore struct {
	rdb     redis.Scripter
	prefix  string
	timeout time.Duration

	bucket *procedure
	window *procedure
}

func NewRedisStore(rdb redis.Scripter, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:     rdb,
		prefix:  "rl:",
		timeout: 100 * time.Millisecond,
		bucket:  &procedure{name: "token_bucket", src: tokenBucketLua},
		window:  &procedure{name: "fixed_window", src: fixedWindowLua},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Preload registers both scripts up front so the first check does not pay
// for SCRIPT LOAD.
func (s *RedisStore) Preload(ctx context.Context) error {
	for _, p := range []*procedure{s.bucket, s.window} {
		if _, _, err := p.ref(ctx, s.rdb); err != nil {
			return storeErr("preload", err)
		}
	}
	return nil
}

func (s *RedisStore) TakeTokens(ctx context.Context, key string, capacity, refillRate, cost, now float64, ttl time.Duration) (bool, float64, error) {
	res, err := s.run(ctx, s.bucket, []string{s.prefix + key},
		capacity,
		refillRate,
		cost,
		strconv.FormatFloat(now, 'f', 6, 64),
		ttl.Milliseconds(),
	)
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return false, 0, storeErr(s.bucket.name, errors.Errorf("unexpected script reply %T", res))
	}
	allowed := toInt(arr[0]) == 1
	return allowed, toFloat(arr[1]), nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.run(ctx, s.window, []string{s.prefix + key}, ttl.Milliseconds())
	if err != nil {
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, storeErr(s.window.name, errors.Errorf("unexpected script reply %T", res))
	}
	return count, nil
}

// run executes p, re-registering it exactly once if Redis no longer knows the
// cached SHA (for example after a restart or SCRIPT FLUSH).
func (s *RedisStore) run(ctx context.Context, p *procedure, keys []string, args ...any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sha, gen, err := p.ref(ctx, s.rdb)
	if err != nil {
		return nil, storeErr(p.name, err)
	}

	res, err := s.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if isNoScript(err) {
		sha, _, err = p.reregister(ctx, s.rdb, gen)
		if err != nil {
			return nil, storeErr(p.name, errors.WithMessage(ErrProcedureNotRegistered, err.Error()))
		}
		res, err = s.rdb.EvalSha(ctx, sha, keys, args...).Result()
		if isNoScript(err) {
			err = errors.WithMessage(ErrProcedureNotRegistered, err.Error())
		}
	}
	if err != nil {
		return nil, storeErr(p.name, err)
	}
	return res, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
