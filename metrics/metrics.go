// Package metrics holds the Prometheus collectors of the release service and
// the standalone HTTP server that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for release units, collection and distribution.
// All methods are safe on a nil receiver.
type Metrics struct {
	UnitsCreated       *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	CollectionOutcomes *prometheus.CounterVec
	CollectionLatency  *prometheus.HistogramVec
	FragmentPushes     *prometheus.CounterVec
	FragmentFetches    *prometheus.CounterVec
	SolverJobs         prometheus.Gauge
	ExpiredBySweeper   prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UnitsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_release_units_created_total",
			Help: "Release units created by kind and gate type",
		}, []string{"kind", "gate"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_release_transitions_total",
			Help: "Status transitions by kind and target status",
		}, []string{"kind", "to"}),

		CollectionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_release_collection_outcomes_total",
			Help: "Collection attempts by kind and outcome",
		}, []string{"kind", "outcome"}),

		CollectionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gated_release_collection_duration_seconds",
			Help:    "Duration of collection attempts including radio scan and fragment fetch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),

		FragmentPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_release_fragment_pushes_total",
			Help: "Fragment pushes to custodians by result",
		}, []string{"result"}),

		FragmentFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gated_release_fragment_fetches_total",
			Help: "Fragment fetches from custodians by result",
		}, []string{"result"}),

		SolverJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gated_release_solver_jobs",
			Help: "Server-side puzzle solver jobs currently running",
		}),

		ExpiredBySweeper: factory.NewCounter(prometheus.CounterOpts{
			Name: "gated_release_sweeper_expired_total",
			Help: "Dead drops moved to EXPIRED by the expiry sweeper",
		}),
	}
}

func (m *Metrics) IncUnitCreated(kind, gate string) {
	if m != nil {
		m.UnitsCreated.WithLabelValues(kind, gate).Inc()
	}
}

func (m *Metrics) IncTransition(kind, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(kind, to).Inc()
	}
}

// ObserveCollection records one finished collection attempt.
func (m *Metrics) ObserveCollection(kind, outcome string, d time.Duration) {
	if m != nil {
		m.CollectionOutcomes.WithLabelValues(kind, outcome).Inc()
		m.CollectionLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) IncFragmentPush(ok bool) {
	if m != nil {
		m.FragmentPushes.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) IncFragmentFetch(ok bool) {
	if m != nil {
		m.FragmentFetches.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) SolverStarted() {
	if m != nil {
		m.SolverJobs.Inc()
	}
}

func (m *Metrics) SolverFinished() {
	if m != nil {
		m.SolverJobs.Dec()
	}
}

func (m *Metrics) AddExpired(n int) {
	if m != nil {
		m.ExpiredBySweeper.Add(float64(n))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
