package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/3xpluto/go-ratelimiter/internal/api"
	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/logging"
	"github.com/3xpluto/go-ratelimiter/internal/mw"
	"github.com/3xpluto/go-ratelimiter/internal/netx"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP decision API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload policies when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	// Level filtering happens globally so a reload can change it.
	bootstrap := logging.New("info", "json")
	holder, err := config.NewHolder(cfgFile, bootstrap)
	if err != nil {
		return err
	}
	defer holder.Stop()

	cfg := holder.Get()
	log := logging.New("trace", cfg.Log.Format)
	zerolog.SetGlobalLevel(logging.ParseLevel(cfg.Log.Level))

	ctx := context.Background()
	store, backend, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiter, err := newLimiter(cfg, store, log, reg)
	if err != nil {
		return err
	}
	policies, err := api.NewPolicySet(limiter, cfg.Policies)
	if err != nil {
		return err
	}

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	var auth mw.AuthHandler
	if cfg.Auth.HMACSecret != "" {
		auth = mw.Authenticator{HMACSecret: []byte(cfg.Auth.HMACSecret), Leeway: 30 * time.Second}
	}

	h := api.NewHandler(api.Options{
		Limiter:      limiter,
		Policies:     policies,
		Logger:       log,
		Metrics:      mw.NewMetrics(reg),
		Gatherer:     reg,
		Auth:         auth,
		AuthRequired: cfg.Auth.Required,
		AdminKey:     cfg.Admin.Key,
		Resolver:     netx.Resolver{Trusted: trusted},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		MaxInFlight:  cfg.Server.MaxInFlight,
		SelfLimit:    cfg.SelfLimit,
		ListenAddr:   cfg.Server.Addr,
		StoreBackend: backend,
	})

	holder.OnChange(func(next *config.Config) error {
		if err := policies.Replace(next.Policies); err != nil {
			return err
		}
		zerolog.SetGlobalLevel(logging.ParseLevel(next.Log.Level))
		return nil
	})
	holder.WatchSignals()
	if watchConfig {
		if err := holder.WatchFile(); err != nil {
			log.Warn().Err(err).Msg("config file watch disabled")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: seconds(cfg.Server.ReadHeaderTimeoutSeconds),
		ReadTimeout:       seconds(cfg.Server.ReadTimeoutSeconds),
		WriteTimeout:      seconds(cfg.Server.WriteTimeoutSeconds),
		IdleTimeout:       seconds(cfg.Server.IdleTimeoutSeconds),
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("store", backend).
			Int("policies", policies.Len()).
			Bool("fail_open", limiter.FailOpen()).
			Msg("ratelimitd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
		return err
	case <-stop:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, seconds(cfg.Server.ShutdownTimeoutSeconds))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not finish cleanly")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
