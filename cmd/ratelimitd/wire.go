package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

// openStore connects the configured backend. An unreachable Redis degrades to
// the in-memory store so a single node keeps limiting, unless the limiter is
// configured to fail closed: then a per-node budget is not acceptable and
// startup fails.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ratelimit.Store, string, func() error, error) {
	memory := func() (ratelimit.Store, string, func() error, error) {
		s := ratelimit.NewMemoryStore(time.Duration(cfg.Store.Memory.CleanupSeconds) * time.Second)
		return s, "memory", s.Close, nil
	}

	switch cfg.Store.Backend {
	case "memory":
		return memory()

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			if !cfg.Limiter.FailOpenEnabled() {
				log.Error().Err(err).Str("addr", cfg.Store.Redis.Addr).Msg("redis unreachable and limiter fails closed; refusing to start")
				return nil, "", nil, errors.Wrapf(err, "redis %s unreachable", cfg.Store.Redis.Addr)
			}
			log.Warn().Err(err).Str("addr", cfg.Store.Redis.Addr).Msg("redis unreachable; falling back to memory store")
			return memory()
		}

		store := ratelimit.NewRedisStore(rdb,
			ratelimit.WithKeyPrefix(cfg.Store.KeyPrefix),
			ratelimit.WithStoreTimeout(cfg.Store.Timeout()),
		)
		if err := store.Preload(pingCtx); err != nil {
			log.Warn().Err(err).Msg("script preload failed; scripts load on first use")
		}
		return store, "redis", rdb.Close, nil

	default:
		return nil, "", nil, errors.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newLimiter(cfg *config.Config, store ratelimit.Store, log zerolog.Logger, reg prometheus.Registerer) (*ratelimit.Limiter, error) {
	algo, err := ratelimit.ParseAlgorithm(cfg.Limiter.DefaultAlgorithm)
	if err != nil {
		return nil, err
	}
	opts := []ratelimit.Option{
		ratelimit.WithDefaultAlgorithm(algo),
		ratelimit.WithFailOpen(cfg.Limiter.FailOpenEnabled()),
		ratelimit.WithTierWindows(cfg.Limiter.Windows()),
		ratelimit.WithLogger(log),
		ratelimit.WithBreaker(ratelimit.NewBreaker(cfg.Limiter.Breaker.Breaker())),
		ratelimit.WithOnLimitExceeded(func(_ context.Context, key, name string) error {
			log.Debug().Str("key", key).Str("tier", name).Msg("limit exceeded")
			return nil
		}),
	}
	if reg != nil {
		opts = append(opts, ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))
	}
	return ratelimit.New(store, opts...)
}
