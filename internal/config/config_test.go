package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

const minimalYAML = `
policies:
  - name: api
    limit: 100
    window_seconds: 60
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(64<<10), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.Timeout())
	assert.Equal(t, "rl:", cfg.Store.KeyPrefix)
	assert.Equal(t, "fixed_window", cfg.Limiter.DefaultAlgorithm)
	assert.True(t, cfg.Limiter.FailOpenEnabled())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Limiter.Breaker.Enabled)
	assert.Equal(t, 5, cfg.Limiter.Breaker.FailureThreshold)
}

func TestParse_FullFile(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  addr: ":9090"
  trusted_proxies: ["10.0.0.0/8"]
  max_in_flight: 256
auth:
  hmac_secret: s3cret
  required: true
store:
  backend: Redis
  timeout_ms: 50
  redis:
    addr: "redis:6379"
limiter:
  default_algorithm: token_bucket
  fail_open: false
  tier_windows:
    per_ten_seconds: 10
  breaker:
    enabled: true
    open_seconds: 3
self_limit:
  policy: api
policies:
  - name: api
    tiers: {per_second: 5, per_minute: 100}
  - name: uploads
    algorithm: token_bucket
    capacity: 10
    refill_rate: 0.5
    cost: 2
`))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.False(t, cfg.Limiter.FailOpenEnabled())
	assert.Equal(t, 10*time.Second, cfg.Limiter.Windows()["per_ten_seconds"])
	assert.Equal(t, "ip", cfg.SelfLimit.Scope)

	br := cfg.Limiter.Breaker.Breaker()
	assert.True(t, br.Enabled)
	assert.Equal(t, 3*time.Second, br.OpenDuration)
	assert.Equal(t, 5, br.FailureThreshold)

	req, err := cfg.Policies[0].Request("user_1")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Tiers{"per_second": 5, "per_minute": 100}, req.Tiers)
	assert.Nil(t, req.Single)

	req, err = cfg.Policies[1].Request("user_1")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.TokenBucket, req.Algorithm)
	require.NotNil(t, req.Single)
	assert.Equal(t, int64(10), req.Single.Capacity)
	assert.Equal(t, 0.5, req.Single.RefillRate)
	assert.Equal(t, int64(2), req.Single.Cost)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("RATELIMITD_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("RATELIMITD_ADMIN_KEY", "admin")
	t.Setenv("RATELIMITD_HMAC_SECRET", "from-env")

	cfg, err := Parse([]byte("store: {backend: redis}\nauth: {required: true}\n"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "admin", cfg.Admin.Key)
	assert.Equal(t, "from-env", cfg.Auth.HMACSecret)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown backend":        "store: {backend: etcd}",
		"redis without addr":     "store: {backend: redis}",
		"bad default algorithm":  "limiter: {default_algorithm: leaky}",
		"bad tier window":        "limiter: {tier_windows: {per_blink: 0}}",
		"auth without secret":    "auth: {required: true}",
		"bad log format":         "log: {format: xml}",
		"bad log level":          "log: {level: loud}",
		"negative max_in_flight": "server: {max_in_flight: -1}",
		"policy without name":    "policies: [{limit: 1, window_seconds: 1}]",
		"duplicate policy": `
policies:
  - {name: a, limit: 1, window_seconds: 1}
  - {name: a, limit: 2, window_seconds: 1}`,
		"policy with both shapes":  "policies: [{name: a, limit: 1, window_seconds: 1, tiers: {per_second: 1}}]",
		"policy with neither":      "policies: [{name: a}]",
		"policy bad algorithm":     "policies: [{name: a, algorithm: gcra, limit: 1, window_seconds: 1}]",
		"self limit unknown":       "self_limit: {policy: missing}",
		"self limit invalid scope": "self_limit: {policy: a, scope: tenant}\npolicies: [{name: a, limit: 1, window_seconds: 1}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "ratelimitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [oops"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "ratelimitd.example.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Policies)
}
