// Package api serves rate-limit decisions over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/httpx"
	"github.com/3xpluto/go-ratelimiter/internal/mw"
	"github.com/3xpluto/go-ratelimiter/internal/netx"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

type Options struct {
	Limiter  *ratelimit.Limiter
	Policies *PolicySet
	Logger   zerolog.Logger
	Metrics  *mw.Metrics
	Gatherer prometheus.Gatherer // serves /metrics when set

	Auth         mw.AuthHandler // nil disables bearer auth
	AuthRequired bool
	AdminKey     string
	Resolver     netx.Resolver
	MaxBodyBytes int64
	MaxInFlight  int
	SelfLimit    config.SelfLimitConfig

	// reported by /-/status
	ListenAddr   string
	StoreBackend string
}

type Handler struct {
	opts      Options
	log       zerolog.Logger
	sem       *mw.Semaphore
	startedAt time.Time
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		opts:      opts,
		log:       opts.Logger,
		sem:       mw.NewSemaphore(opts.MaxInFlight),
		startedAt: time.Now(),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	})

	r.Method(http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	if h.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Method(http.MethodPost, "/v1/check", h.wrapAPI("check", h.check))
	r.Method(http.MethodPost, "/v1/allow", h.wrapAPI("allow", h.allow))
	r.Method(http.MethodGet, "/v1/policies", h.wrapAPI("policies", h.listPolicies))

	r.Method(http.MethodGet, "/-/status", h.wrapAdmin("admin_status", h.status))
	r.Method(http.MethodGet, "/-/breaker", h.wrapAdmin("admin_breaker", h.breaker))
	return r
}

// wrapAPI builds the chain for public endpoints, outermost first: request id,
// route label, metrics, access log, recover, body cap, concurrency cap, auth,
// self rate limit.
func (h *Handler) wrapAPI(route string, fn http.HandlerFunc) http.Handler {
	var next http.Handler = fn
	next = mw.RateLimit(h.opts.Limiter, h.opts.Resolver, h.selfLimit(route), h.log, next)
	next = h.authenticate(next)
	next = mw.ConcurrencyLimit(h.sem, next)
	next = mw.MaxBodyBytes(h.opts.MaxBodyBytes, next)
	return h.common(route, next)
}

func (h *Handler) wrapAdmin(route string, fn http.HandlerFunc) http.Handler {
	return h.common(route, mw.RequireAdminKey(h.opts.AdminKey, fn))
}

func (h *Handler) common(route string, next http.Handler) http.Handler {
	next = mw.Recover(h.log, next)
	next = mw.AccessLog(h.log, next)
	next = mw.Instrument(h.opts.Metrics, next)
	next = mw.WithRoute(next, route)
	return mw.RequestID(next)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	switch {
	case h.opts.Auth == nil:
		return next
	case h.opts.AuthRequired:
		return mw.RequireAuth(h.opts.Auth, next)
	default:
		return mw.OptionalAuth(h.opts.Auth, next)
	}
}

func (h *Handler) selfLimit(route string) mw.RateLimitConfig {
	name := h.opts.SelfLimit.Policy
	return mw.RateLimitConfig{
		Enabled:   name != "",
		Scope:     h.opts.SelfLimit.Scope,
		RouteName: route,
		Build: func(key string) (ratelimit.Request, error) {
			return h.opts.Policies.Request(name, key)
		},
	}
}

// decide runs one check for the request body. It writes the error response
// itself and reports ok=false when there is no decision.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request) (CheckRequest, ratelimit.Result, bool) {
	var body CheckRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", map[string]any{"message": err.Error()})
		return body, ratelimit.Result{}, false
	}
	if strings.TrimSpace(body.Key) == "" {
		if sub, ok := mw.Subject(r.Context()); ok {
			body.Key = sub
		}
	}

	req, err := h.buildRequest(body)
	if err == nil {
		var res ratelimit.Result
		res, err = h.opts.Limiter.Check(r.Context(), req)
		if err == nil {
			return body, res, true
		}
	}
	h.writeCheckError(w, body, err)
	return body, ratelimit.Result{}, false
}

func (h *Handler) buildRequest(body CheckRequest) (ratelimit.Request, error) {
	if body.Policy != "" {
		return h.opts.Policies.Request(body.Policy, body.Key)
	}
	inline := body.inline()
	if err := config.ValidatePolicies([]config.PolicyConfig{inline}); err != nil {
		return ratelimit.Request{}, errors.Wrap(ratelimit.ErrInvalidConfig, err.Error())
	}
	return inline.Request(body.Key)
}

func (h *Handler) writeCheckError(w http.ResponseWriter, body CheckRequest, err error) {
	switch {
	case errors.Is(err, ErrUnknownPolicy):
		httpx.WriteError(w, http.StatusNotFound, "unknown_policy", map[string]any{"policy": body.Policy})
	case errors.Is(err, ratelimit.ErrInvalidConfig):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_config", map[string]any{"message": err.Error()})
	default:
		h.log.Error().Err(err).Str("key", body.Key).Msg("check failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}

func decisionStatus(res ratelimit.Result) int {
	if res.Allowed {
		return http.StatusOK
	}
	return http.StatusTooManyRequests
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	body, res, ok := h.decide(w, r)
	if !ok {
		return
	}
	httpx.SetRateLimitHeaders(w.Header(), res)
	httpx.WriteJSON(w, decisionStatus(res), NewCheckResponse(body.Key, body.Policy, res))
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) {
	_, res, ok := h.decide(w, r)
	if !ok {
		return
	}
	httpx.SetRateLimitHeaders(w.Header(), res)
	httpx.WriteJSON(w, decisionStatus(res), map[string]bool{"allowed": res.Allowed})
}

func (h *Handler) listPolicies(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"policies":     h.opts.Policies.List(),
		"tier_windows": tierWindowSeconds(h.opts.Limiter.TierWindows()),
	})
}

func tierWindowSeconds(windows map[string]time.Duration) map[string]int64 {
	out := make(map[string]int64, len(windows))
	for name, w := range windows {
		out[name] = int64(w / time.Second)
	}
	return out
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	goVer := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		goVer = info.GoVersion
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"time_utc":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"listen_addr":    h.opts.ListenAddr,
		"go_version":     goVer,
		"store_backend":  h.opts.StoreBackend,
		"fail_open":      h.opts.Limiter.FailOpen(),
		"auth_required":  h.opts.AuthRequired,
		"policies":       h.opts.Policies.Len(),
		"self_limit":     h.opts.SelfLimit.Policy,
		"breaker":        h.opts.Limiter.Breaker().Stats().State,
		"in_flight":      h.sem.InUse(),
		"max_in_flight":  h.sem.Cap(),
	})
}

func (h *Handler) breaker(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.opts.Limiter.Breaker().Stats())
}
