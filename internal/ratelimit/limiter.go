package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ExceededFunc is called after a denied check. Its error is logged and
// otherwise ignored.
type ExceededFunc func(ctx context.Context, key, name string) error

type Option func(*Limiter)

// WithDefaultAlgorithm sets the algorithm used when a Request leaves it zero
// (default FixedWindow).
func WithDefaultAlgorithm(a Algorithm) Option {
	return func(l *Limiter) { l.defaultAlgo = a }
}

// WithFailOpen selects the decision made when the store fails (default true).
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) { l.policy = FailurePolicy{FailOpen: failOpen} }
}

func WithOnLimitExceeded(fn ExceededFunc) Option {
	return func(l *Limiter) { l.onExceeded = fn }
}

// WithTierWindows adds or replaces tier names. Windows must be whole seconds.
func WithTierWindows(windows map[string]time.Duration) Option {
	return func(l *Limiter) {
		for name, w := range windows {
			l.tierWindows[name] = w
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithBreaker(b *Breaker) Option {
	return func(l *Limiter) { l.breaker = b }
}

// Limiter is the entry point of the engine. It is safe for concurrent use;
// all shared state lives in the Store.
type Limiter struct {
	store       Store
	defaultAlgo Algorithm
	policy      FailurePolicy
	onExceeded  ExceededFunc
	tierWindows map[string]time.Duration
	now         func() time.Time
	log         zerolog.Logger
	metrics     *Metrics
	breaker     *Breaker

	// throttles store-failure warnings during an outage
	warnLimit *rate.Limiter

	bucket tokenBucket
	window fixedWindow
	tiers  tierEvaluator
}

func New(store Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, invalidf("store is required")
	}
	l := &Limiter{
		store:       store,
		defaultAlgo: FixedWindow,
		policy:      FailurePolicy{FailOpen: true},
		tierWindows: make(map[string]time.Duration, len(DefaultTierWindows)),
		now:         time.Now,
		log:         zerolog.Nop(),
		warnLimit:   rate.NewLimiter(rate.Every(time.Second), 5),
		bucket:      tokenBucket{store: store},
		window:      fixedWindow{store: store},
		tiers:       tierEvaluator{store: store},
	}
	for name, w := range DefaultTierWindows {
		l.tierWindows[name] = w
	}
	for _, opt := range opts {
		opt(l)
	}

	switch l.defaultAlgo {
	case TokenBucket, FixedWindow:
	default:
		return nil, invalidf("unknown default algorithm %d", l.defaultAlgo)
	}
	// Tier keys carry the window length, not the tier name, so two names with
	// one window would count every request twice.
	byWindow := make(map[time.Duration]string, len(l.tierWindows))
	for name, w := range l.tierWindows {
		if name == "" {
			return nil, invalidf("tier name must not be empty")
		}
		if w < time.Second || w%time.Second != 0 {
			return nil, invalidf("tier %q window must be a whole number of seconds, got %s", name, w)
		}
		if other, ok := byWindow[w]; ok {
			a, b := other, name
			if b < a {
				a, b = b, a
			}
			return nil, invalidf("tiers %q and %q share the %s window", a, b, w)
		}
		byWindow[w] = name
	}
	return l, nil
}

// TierWindows returns a copy of the tier names this limiter accepts.
func (l *Limiter) TierWindows() map[string]time.Duration {
	out := make(map[string]time.Duration, len(l.tierWindows))
	for k, v := range l.tierWindows {
		out[k] = v
	}
	return out
}

func (l *Limiter) FailOpen() bool { return l.policy.FailOpen }

func (l *Limiter) Breaker() *Breaker { return l.breaker }

// plan is a validated request, ready to run against the store.
type plan struct {
	algo  Algorithm
	op    string
	limit int64
	run   func(ctx context.Context, now time.Time) (Result, error)
}

func (l *Limiter) plan(req Request) (plan, error) {
	if req.Key == "" {
		return plan{}, invalidf("key is required")
	}
	if (req.Single == nil) == (req.Tiers == nil) {
		return plan{}, invalidf("exactly one of single-tier or multi-tier spec is required")
	}

	if req.Tiers != nil {
		if req.Algorithm != 0 && req.Algorithm != FixedWindow {
			return plan{}, invalidf("multi-tier checks only support %s, got %s", FixedWindow, req.Algorithm)
		}
		tiers, err := resolveTiers(req.Tiers, l.tierWindows)
		if err != nil {
			return plan{}, err
		}
		return plan{
			algo:  FixedWindow,
			op:    "tiers",
			limit: minTierLimit(tiers),
			run: func(ctx context.Context, now time.Time) (Result, error) {
				return l.tiers.check(ctx, req.Key, tiers, now)
			},
		}, nil
	}

	algo := req.Algorithm
	if algo == 0 {
		algo = l.defaultAlgo
	}
	spec := *req.Single
	switch algo {
	case TokenBucket:
		b, err := newBucketSpec(spec)
		if err != nil {
			return plan{}, err
		}
		return plan{
			algo:  TokenBucket,
			op:    "take_tokens",
			limit: b.capacity,
			run: func(ctx context.Context, now time.Time) (Result, error) {
				return l.bucket.check(ctx, req.Key, b, now)
			},
		}, nil

	case FixedWindow:
		if err := validateWindow(spec); err != nil {
			return plan{}, err
		}
		return plan{
			algo:  FixedWindow,
			op:    "incr_window",
			limit: spec.Limit,
			run: func(ctx context.Context, now time.Time) (Result, error) {
				return l.window.check(ctx, req.Key, spec.Limit, spec.WindowSeconds, now)
			},
		}, nil

	default:
		return plan{}, invalidf("unknown algorithm %d", algo)
	}
}

// Validate runs every check Check would make on req, without touching the
// store.
func (l *Limiter) Validate(req Request) error {
	_, err := l.plan(req)
	return err
}

// Check decides req. The only errors it returns match ErrInvalidConfig; store
// failures are resolved by the FailurePolicy.
func (l *Limiter) Check(ctx context.Context, req Request) (Result, error) {
	p, err := l.plan(req)
	if err != nil {
		return Result{}, err
	}

	res, err := l.execute(ctx, p)
	if err != nil {
		return Result{}, err
	}

	l.metrics.decision(res.Algorithm, res.Allowed)
	if !res.Allowed {
		name := res.ExceededTier
		if name == "" {
			name = res.Algorithm.String()
		}
		l.notifyExceeded(ctx, req.Key, name)
	}
	return res, nil
}

// Allow is Check reduced to the admission bit.
func (l *Limiter) Allow(ctx context.Context, req Request) (bool, error) {
	res, err := l.Check(ctx, req)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) execute(ctx context.Context, p plan) (Result, error) {
	now := l.now()
	if !l.breaker.Allow() {
		return l.fallback(p, errors.WithMessage(ErrStoreUnavailable, "circuit open")), nil
	}

	start := time.Now()
	res, err := p.run(ctx, now)
	l.metrics.storeDone(p.op, time.Since(start).Seconds(), err)
	l.breaker.Done(err == nil)

	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		return Result{}, err
	}
	return l.fallback(p, err), nil
}

func (l *Limiter) fallback(p plan, cause error) Result {
	l.metrics.failurePolicy(l.policy.mode())
	if l.warnLimit.Allow() {
		l.log.Warn().
			Err(cause).
			Str("algorithm", p.algo.String()).
			Str("op", p.op).
			Str("policy", l.policy.mode()).
			Msg("rate limit store failed; applying failure policy")
	}
	return l.policy.Decide(p.limit, p.algo)
}

func (l *Limiter) notifyExceeded(ctx context.Context, key, name string) {
	if l.onExceeded == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.metrics.callbackFailed()
			l.log.Error().
				Str("key", key).
				Str("tier", name).
				Str("panic", fmt.Sprint(rec)).
				Msg("limit exceeded callback panicked")
		}
	}()
	if err := l.onExceeded(ctx, key, name); err != nil {
		l.metrics.callbackFailed()
		l.log.Error().
			Err(err).
			Str("key", key).
			Str("tier", name).
			Msg("limit exceeded callback failed")
	}
}
