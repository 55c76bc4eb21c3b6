package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initAPIMetrics() {
	r.APIRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterplan_api_requests_total",
			Help: "Total number of API requests by route pattern and response code",
		},
		[]string{"method", "route", "code"},
	)

	r.APIRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waterplan_api_request_duration_seconds",
			Help:    "API request latency in seconds by route pattern",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	r.APIRequestsInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "waterplan_api_requests_in_flight",
			Help: "API requests currently being served",
		},
	)

	r.APIUptimeSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "waterplan_api_uptime_seconds",
			Help: "Seconds since the API process started",
		},
	)
}
