package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the counters the scheduler's ticks maintain. Registered
// once per process; safe to share a *prometheus.Registry across
// multiple Scheduler instances in tests since each metric is keyed by
// job/result labels rather than instance identity.
type Metrics struct {
	tickRuns      *prometheus.CounterVec
	tickErrors    *prometheus.CounterVec
	pairsCreated  prometheus.Counter
	votesResolved *prometheus.CounterVec
	evictions     prometheus.Counter
	queueDepth    prometheus.Gauge
}

// NewMetrics registers the scheduler's metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tickRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchcore_scheduler_tick_runs_total",
			Help: "Number of times each scheduler sub-job ran.",
		}, []string{"job"}),
		tickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchcore_scheduler_tick_errors_total",
			Help: "Number of sub-job runs that returned an error.",
		}, []string{"job"}),
		pairsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchcore_pairs_created_total",
			Help: "Number of matches created by the match tick.",
		}),
		votesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchcore_votes_resolved_total",
			Help: "Number of vote_active matches the expiry tick force-completed after their window closed.",
		}, []string{"outcome"}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchcore_offline_evictions_total",
			Help: "Number of users evicted from the queue for going offline.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matchcore_queue_depth",
			Help: "Current number of queued users, sampled each match tick.",
		}),
	}
}
