package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initRunMetrics() {
	r.RunsSubmittedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterplan_runs_submitted_total",
			Help: "Total number of admitted run submissions",
		},
		[]string{"mode"},
	)

	r.RunsRejectedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "waterplan_runs_rejected_total",
			Help: "Total number of submissions rejected because a run was active",
		},
	)

	r.RunsFinishedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterplan_runs_finished_total",
			Help: "Total number of runs that reached a terminal state",
		},
		[]string{"mode", "status"},
	)

	r.RunDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waterplan_run_duration_seconds",
			Help:    "Wall-clock duration of a run in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"mode"},
	)

	r.RunLockRecoveriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "waterplan_run_lock_recoveries_total",
			Help: "Total number of stale run locks cleared after a worker died",
		},
	)

	r.RunActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "waterplan_run_active",
			Help: "1 while a run holds the run lock, 0 otherwise",
		},
	)

	r.RunLockAgeSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "waterplan_run_lock_age_seconds",
			Help: "Seconds since the active run took the run lock, 0 when idle",
		},
	)
}
