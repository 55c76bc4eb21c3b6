package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// API Metrics
	APIRequestsTotal    *prometheus.CounterVec
	APIRequestDuration  *prometheus.HistogramVec
	APIRequestsInFlight prometheus.Gauge
	APIUptimeSeconds    prometheus.Gauge

	// Run Metrics
	RunsSubmittedTotal     *prometheus.CounterVec
	RunsRejectedTotal      prometheus.Counter
	RunsFinishedTotal      *prometheus.CounterVec
	RunDuration            *prometheus.HistogramVec
	RunLockRecoveriesTotal prometheus.Counter
	RunActive              prometheus.Gauge
	RunLockAgeSeconds      prometheus.Gauge

	// Allocator Metrics
	AllocatorStepDuration      prometheus.Histogram
	AllocatorAugmentations     prometheus.Histogram
	AllocatorStepTimeoutsTotal prometheus.Counter
	AllocatorStepsTotal        prometheus.Counter
	PlanDeficitPercent         prometheus.Gauge

	// Result Store Metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initAPIMetrics()
	r.initRunMetrics()
	r.initAllocatorMetrics()
	r.initStoreMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
