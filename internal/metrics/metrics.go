// Package metrics exposes Prometheus instrumentation for the orchestrator.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/overseer/internal/types"
)

const namespace = "overseer"

// Metrics holds every collector overseer records
type Metrics struct {
	// DecisionsTotal counts decisions by verdict and reason
	DecisionsTotal *prometheus.CounterVec

	// GateFailuresTotal counts failing rules in reconciled results
	// Labels: category, gate, blocking
	GateFailuresTotal *prometheus.CounterVec

	// RejectionsTotal counts rejected operations by error kind
	RejectionsTotal *prometheus.CounterVec

	// DisagreementsTotal counts categories where self-report and review differed
	DisagreementsTotal prometheus.Counter

	// TransitionsTotal counts phase transitions by source, target and trigger
	TransitionsTotal *prometheus.CounterVec

	// ReviewDurationSeconds measures how long reviews take
	ReviewDurationSeconds prometheus.Histogram

	// UnitsByPhase is the number of units currently in each phase
	UnitsByPhase *prometheus.GaugeVec

	// IterationsAtDecision records the iteration count when a verdict is issued
	IterationsAtDecision *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates metrics registered on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions issued by verdict and reason",
		}, []string{"verdict", "reason"}),
		GateFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_failures_total",
			Help:      "Failing gate rules in reconciled results",
		}, []string{"category", "gate", "blocking"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected operations by error kind",
		}, []string{"kind"}),
		DisagreementsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviewer_disagreements_total",
			Help:      "Categories where the self-report and the reviewer disagreed",
		}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase transitions by source phase, target phase and trigger",
		}, []string{"from", "to", "trigger"}),
		ReviewDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "review_duration_seconds",
			Help:      "Time spent waiting for independent reviews",
			Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 900, 1800},
		}),
		UnitsByPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Units of work currently in each phase",
		}, []string{"phase"}),
		IterationsAtDecision: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iterations_at_decision",
			Help:      "Iteration count when a verdict was issued",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"verdict"}),
		registry: reg,
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision records an issued decision and its failing gates
func (m *Metrics) ObserveDecision(d *types.Decision) {
	if m == nil || d == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(d.Verdict), d.Reason).Inc()
	if d.Iteration > 0 {
		m.IterationsAtDecision.WithLabelValues(string(d.Verdict)).Observe(float64(d.IterationCount))
	}
	for _, c := range d.Reconciled {
		for _, r := range c.Failing() {
			blocking := "false"
			if c.Blocking {
				blocking = "true"
			}
			m.GateFailuresTotal.WithLabelValues(c.Category, r.Key(), blocking).Inc()
		}
	}
	if n := len(d.Disagreements); n > 0 {
		m.DisagreementsTotal.Add(float64(n))
	}
}

// ObserveRejection records a rejected operation by error kind
func (m *Metrics) ObserveRejection(kind string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(kind).Inc()
}

// ObserveTransition records a phase change and moves the phase gauges
func (m *Metrics) ObserveTransition(from, to types.Phase, trigger string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to), trigger).Inc()
	m.UnitsByPhase.WithLabelValues(string(from)).Dec()
	m.UnitsByPhase.WithLabelValues(string(to)).Inc()
}

// ObserveReview records how long a review took
func (m *Metrics) ObserveReview(d time.Duration) {
	if m == nil {
		return
	}
	m.ReviewDurationSeconds.Observe(d.Seconds())
}

// SetUnitCounts replaces the phase gauges, e.g. after a restore
func (m *Metrics) SetUnitCounts(counts map[types.Phase]int) {
	if m == nil {
		return
	}
	for _, p := range types.AllPhases() {
		m.UnitsByPhase.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

// UnitCreated bumps the gauge of the initial phase
func (m *Metrics) UnitCreated(p types.Phase) {
	if m == nil {
		return
	}
	m.UnitsByPhase.WithLabelValues(string(p)).Inc()
}
