package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	SelfLimit SelfLimitConfig `yaml:"self_limit"`
	Policies  []PolicyConfig  `yaml:"policies"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	MaxInFlight              int      `yaml:"max_in_flight"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int      `yaml:"shutdown_timeout_seconds"`
}

type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret"` // HS256 shared secret; empty disables auth
	Required   bool   `yaml:"required"`    // reject /v1 calls without a valid token
}

type AdminConfig struct {
	Key string `yaml:"key"` // empty hides the /-/ endpoints
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "console"
}

type StoreConfig struct {
	Backend   string       `yaml:"backend"` // "redis" | "memory"
	TimeoutMS int          `yaml:"timeout_ms"`
	KeyPrefix string       `yaml:"key_prefix"`
	Redis     RedisConfig  `yaml:"redis"`
	Memory    MemoryConfig `yaml:"memory"`
}

func (s StoreConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MemoryConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
}

type LimiterConfig struct {
	DefaultAlgorithm string           `yaml:"default_algorithm"`
	FailOpen         *bool            `yaml:"fail_open"`
	TierWindows      map[string]int64 `yaml:"tier_windows"` // name -> seconds, merged over the built-in tiers
	Breaker          BreakerConfig    `yaml:"breaker"`
}

// FailOpenEnabled reports the configured failure policy (fail open when unset).
func (l LimiterConfig) FailOpenEnabled() bool {
	return l.FailOpen == nil || *l.FailOpen
}

func (l LimiterConfig) Windows() map[string]time.Duration {
	out := make(map[string]time.Duration, len(l.TierWindows))
	for name, secs := range l.TierWindows {
		out[name] = time.Duration(secs) * time.Second
	}
	return out
}

type BreakerConfig struct {
	Enabled             bool `yaml:"enabled"`
	FailureThreshold    int  `yaml:"failure_threshold"`
	OpenSeconds         int  `yaml:"open_seconds"`
	HalfOpenMaxInFlight int  `yaml:"half_open_max_in_flight"`
}

func (b BreakerConfig) Breaker() ratelimit.BreakerConfig {
	return ratelimit.BreakerConfig{
		Enabled:             b.Enabled,
		FailureThreshold:    b.FailureThreshold,
		OpenDuration:        time.Duration(b.OpenSeconds) * time.Second,
		HalfOpenMaxInFlight: b.HalfOpenMaxInFlight,
	}
}

// SelfLimitConfig applies one of the policies to callers of the decision API
// itself.
type SelfLimitConfig struct {
	Policy string `yaml:"policy"`
	Scope  string `yaml:"scope"` // "user" | "ip"
}

// PolicyConfig is a named limit. Either Tiers or the single-tier fields are
// set.
type PolicyConfig struct {
	Name          string           `yaml:"name" json:"name"`
	Algorithm     string           `yaml:"algorithm" json:"algorithm,omitempty"`
	Limit         int64            `yaml:"limit" json:"limit,omitempty"`
	WindowSeconds int64            `yaml:"window_seconds" json:"window_seconds,omitempty"`
	Capacity      int64            `yaml:"capacity" json:"capacity,omitempty"`
	RefillRate    float64          `yaml:"refill_rate" json:"refill_rate,omitempty"`
	Cost          int64            `yaml:"cost" json:"cost,omitempty"`
	Tiers         map[string]int64 `yaml:"tiers" json:"tiers,omitempty"`
}

// Request turns the policy into an engine request for key.
func (p PolicyConfig) Request(key string) (ratelimit.Request, error) {
	algo, err := ratelimit.ParseAlgorithm(p.Algorithm)
	if err != nil {
		return ratelimit.Request{}, errors.WithMessagef(err, "policy %q", p.Name)
	}
	req := ratelimit.Request{Key: key, Algorithm: algo}
	if len(p.Tiers) > 0 {
		req.Tiers = ratelimit.Tiers(p.Tiers)
		return req, nil
	}
	req.Single = &ratelimit.SingleTier{
		Limit:         p.Limit,
		WindowSeconds: p.WindowSeconds,
		Capacity:      p.Capacity,
		RefillRate:    p.RefillRate,
		Cost:          p.Cost,
	}
	return req, nil
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return cfg, nil
}

// Parse decodes YAML, then applies environment overrides and defaults before
// validating.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RATELIMITD_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("RATELIMITD_ADMIN_KEY"); v != "" {
		cfg.Admin.Key = v
	}
	if v := os.Getenv("RATELIMITD_HMAC_SECRET"); v != "" {
		cfg.Auth.HMACSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 64 << 10 // decisions are small
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 10
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 10
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 5
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.TimeoutMS == 0 {
		cfg.Store.TimeoutMS = 100
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "rl:"
	}
	if cfg.Store.Memory.CleanupSeconds == 0 {
		cfg.Store.Memory.CleanupSeconds = 60
	}

	if cfg.Limiter.DefaultAlgorithm == "" {
		cfg.Limiter.DefaultAlgorithm = ratelimit.FixedWindow.String()
	}
	if cfg.Limiter.Breaker.FailureThreshold == 0 {
		cfg.Limiter.Breaker.FailureThreshold = 5
	}
	if cfg.Limiter.Breaker.OpenSeconds == 0 {
		cfg.Limiter.Breaker.OpenSeconds = 10
	}
	if cfg.Limiter.Breaker.HalfOpenMaxInFlight == 0 {
		cfg.Limiter.Breaker.HalfOpenMaxInFlight = 1
	}

	if cfg.SelfLimit.Policy != "" && cfg.SelfLimit.Scope == "" {
		cfg.SelfLimit.Scope = "ip"
	}
}

func Validate(cfg *Config) error {
	if cfg.Server.MaxInFlight < 0 {
		return errors.New("server.max_in_flight cannot be negative")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil {
		return errors.Errorf("log.level %q is not a valid level", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		return errors.New("log.format must be 'json' or 'console'")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
			return errors.New("store.redis.addr is required when backend is redis")
		}
	default:
		return errors.New("store.backend must be 'redis' or 'memory'")
	}
	if cfg.Store.TimeoutMS < 0 {
		return errors.New("store.timeout_ms cannot be negative")
	}

	if _, err := ratelimit.ParseAlgorithm(cfg.Limiter.DefaultAlgorithm); err != nil {
		return errors.WithMessage(err, "limiter.default_algorithm")
	}
	for name, secs := range cfg.Limiter.TierWindows {
		if strings.TrimSpace(name) == "" {
			return errors.New("limiter.tier_windows has an empty tier name")
		}
		if secs <= 0 {
			return errors.Errorf("limiter.tier_windows.%s must be > 0 seconds", name)
		}
	}
	if b := cfg.Limiter.Breaker; b.Enabled {
		if b.FailureThreshold <= 0 || b.OpenSeconds <= 0 || b.HalfOpenMaxInFlight <= 0 {
			return errors.New("limiter.breaker thresholds must be > 0 when enabled")
		}
	}

	if cfg.Auth.Required && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return errors.New("auth.hmac_secret is required when auth.required is true")
	}

	if err := ValidatePolicies(cfg.Policies); err != nil {
		return err
	}

	if name := cfg.SelfLimit.Policy; name != "" {
		found := false
		for _, p := range cfg.Policies {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("self_limit.policy %q is not a configured policy", name)
		}
		s := strings.ToLower(strings.TrimSpace(cfg.SelfLimit.Scope))
		if s != "ip" && s != "user" {
			return errors.New("self_limit.scope must be 'ip' or 'user'")
		}
	}
	return nil
}

// ValidatePolicies checks the shape of every policy. Limits themselves are
// checked by the limiter that will run them.
func ValidatePolicies(policies []PolicyConfig) error {
	seen := map[string]struct{}{}
	for i, p := range policies {
		idx := fmt.Sprintf("policies[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.Errorf("%s.name is required", idx)
		}
		if _, ok := seen[name]; ok {
			return errors.Errorf("duplicate policy name: %q", name)
		}
		seen[name] = struct{}{}

		single := p.Limit != 0 || p.WindowSeconds != 0 || p.Capacity != 0 || p.RefillRate != 0 || p.Cost != 0
		if single == (len(p.Tiers) > 0) {
			return errors.Errorf("%s (%s) must set either tiers or single-tier limits", idx, name)
		}
		if _, err := ratelimit.ParseAlgorithm(p.Algorithm); err != nil {
			return errors.WithMessagef(err, "%s.algorithm", idx)
		}
	}
	return nil
}
