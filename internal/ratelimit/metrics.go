package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Decisions        *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	StoreLatency     *prometheus.HistogramVec
	FailurePolicy    *prometheus.CounterVec
	CallbackFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by algorithm and outcome",
		}, []string{"algorithm", "outcome"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Failed state store operations",
		}, []string{"op"}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimit_store_duration_seconds",
			Help:    "State store round-trip latency",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"op"}),
		FailurePolicy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_failure_policy_total",
			Help: "Decisions made by the failure policy instead of the store",
		}, []string{"mode"}),
		CallbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_callback_failures_total",
			Help: "Limit-exceeded callbacks that returned an error or panicked",
		}),
	}
	reg.MustRegister(m.Decisions, m.StoreErrors, m.StoreLatency, m.FailurePolicy, m.CallbackFailures)
	return m
}

func (m *Metrics) decision(algo Algorithm, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.Decisions.WithLabelValues(algo.String(), outcome).Inc()
}

func (m *Metrics) storeDone(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) failurePolicy(mode string) {
	if m == nil {
		return
	}
	m.FailurePolicy.WithLabelValues(mode).Inc()
}

func (m *Metrics) callbackFailed() {
	if m == nil {
		return
	}
	m.CallbackFailures.Inc()
}
