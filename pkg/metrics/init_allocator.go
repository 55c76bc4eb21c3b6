package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initAllocatorMetrics() {
	r.AllocatorStepDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waterplan_allocator_step_duration_seconds",
			Help:    "Time to solve one horizon step in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	r.AllocatorAugmentations = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waterplan_allocator_augmentations",
			Help:    "Augmenting paths pushed per step",
			Buckets: []float64{1, 10, 100, 1000, 10000},
		},
	)

	r.AllocatorStepTimeoutsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "waterplan_allocator_step_timeouts_total",
			Help: "Total number of steps abandoned after exceeding the augmentation limit",
		},
	)

	r.AllocatorStepsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "waterplan_allocator_steps_total",
			Help: "Total number of horizon steps solved",
		},
	)

	r.PlanDeficitPercent = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "waterplan_plan_deficit_percent",
			Help: "Overall demand deficit of the most recent run, in percent",
		},
	)
}
