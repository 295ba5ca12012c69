package mw

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3xpluto/go-ratelimiter/internal/httpx"
	"github.com/3xpluto/go-ratelimiter/internal/netx"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

// RequestBuilder turns a caller key into the engine request to run. It is
// called per request so policy changes apply without rebuilding the chain.
type RequestBuilder func(key string) (ratelimit.Request, error)

type RateLimitConfig struct {
	Enabled   bool
	Scope     string // "user" | "ip"
	RouteName string
	Build     RequestBuilder
}

// RateLimit admits requests through the engine, keyed by the token subject
// (scope "user") or the client address.
func RateLimit(limiter *ratelimit.Limiter, ipr netx.Resolver, cfg RateLimitConfig, log zerolog.Logger, next http.Handler) http.Handler {
	if !cfg.Enabled || limiter == nil || cfg.Build == nil {
		return next
	}
	scope := strings.ToLower(cfg.Scope)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, actor := "self:" + cfg.RouteName + ":", "ip"
		if sub, ok := Subject(r.Context()); ok && scope == "user" {
			key += "u:" + sub
			actor = "user"
		} else {
			key += "ip:" + ipr.ClientIP(r)
		}

		req, err := cfg.Build(key)
		if err == nil {
			var res ratelimit.Result
			res, err = limiter.Check(r.Context(), req)
			if err == nil {
				w.Header().Set("X-RateLimit-Scope", actor)
				httpx.SetRateLimitHeaders(w.Header(), res)
				if !res.Allowed {
					httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", map[string]any{
						"route":               cfg.RouteName,
						"scope":               actor,
						"retry_after_seconds": httpx.RetryAfterSeconds(res),
					})
					return
				}
			}
		}
		if err != nil {
			// a broken self-limit policy must not take the API down
			log.Error().Err(err).Str("route", cfg.RouteName).Msg("self rate limit skipped")
		}
		next.ServeHTTP(w, r)
	})
}
