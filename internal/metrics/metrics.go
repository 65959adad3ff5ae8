// Package metrics holds the Prometheus collectors of the decision pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks decisions, signal fetches and the fact cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	SignalFetches    *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	ReviewFlags      *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_decisions_total",
			Help: "Decisions produced, by verdict, reason and verification",
		}, []string{"verdict", "reason", "verified"}),
		DecisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "talon_decision_duration_seconds",
			Help:    "Duration of a full account evaluation",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		SignalFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_signal_fetches_total",
			Help: "Signal fetches, by signal and outcome (ok, error)",
		}, []string{"signal", "outcome"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talon_signal_fetch_duration_seconds",
			Help:    "Duration of individual signal fetches",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"signal"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_fact_cache_lookups_total",
			Help: "Fact cache lookups, by signal and result (hit, miss)",
		}, []string{"signal", "result"}),
		ReviewFlags: f.NewCounterVec(prometheus.CounterOpts{
			Name: "talon_review_flags_total",
			Help: "Review flags raised, by rule and severity",
		}, []string{"rule", "severity"}),
	}
}

// ObserveDecision records a finished evaluation.
// Call with time.Now() at the start of the evaluation.
func (m *Metrics) ObserveDecision(verdict, reason string, verified bool, start time.Time) {
	if m == nil {
		return
	}
	v := "true"
	if !verified {
		v = "false"
	}
	m.Decisions.WithLabelValues(verdict, reason, v).Inc()
	m.DecisionDuration.Observe(time.Since(start).Seconds())
}

// ObserveFetch records one signal fetch.
func (m *Metrics) ObserveFetch(signal string, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SignalFetches.WithLabelValues(signal, outcome).Inc()
	m.FetchDuration.WithLabelValues(signal).Observe(time.Since(start).Seconds())
}

// CacheHit records a fact cache hit.
func (m *Metrics) CacheHit(signal string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(signal, "hit").Inc()
}

// CacheMiss records a fact cache miss.
func (m *Metrics) CacheMiss(signal string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(signal, "miss").Inc()
}

// IncReviewFlag records a raised review flag.
func (m *Metrics) IncReviewFlag(rule, severity string) {
	if m == nil {
		return
	}
	m.ReviewFlags.WithLabelValues(rule, severity).Inc()
}
