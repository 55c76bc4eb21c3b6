package metrics

import (
	"strconv"
	"time"
)

// RecordAPIRequest records a served request against its route pattern
func (r *Registry) RecordAPIRequest(method, route string, code int, duration time.Duration) {
	r.APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// APIRequestStarted marks the start of a request
func (r *Registry) APIRequestStarted() { r.APIRequestsInFlight.Inc() }

// APIRequestDone marks the end of a request
func (r *Registry) APIRequestDone() { r.APIRequestsInFlight.Dec() }

// RecordRunSubmitted records an admitted submission
func (r *Registry) RecordRunSubmitted(mode string) {
	r.RunsSubmittedTotal.WithLabelValues(mode).Inc()
	r.RunActive.Set(1)
}

// RecordRunRejected records a submission turned away by an active run
func (r *Registry) RecordRunRejected() {
	r.RunsRejectedTotal.Inc()
}

// RecordRunFinished records a run reaching a terminal state
func (r *Registry) RecordRunFinished(mode, status string, duration time.Duration) {
	r.RunsFinishedTotal.WithLabelValues(mode, status).Inc()
	r.RunDuration.WithLabelValues(mode).Observe(duration.Seconds())
	r.RunActive.Set(0)
}

// RecordLockRecovery records a stale lock cleared after a worker crash
func (r *Registry) RecordLockRecovery() {
	r.RunLockRecoveriesTotal.Inc()
}

// RecordAllocatorStep records one solved (or abandoned) horizon step
func (r *Registry) RecordAllocatorStep(duration time.Duration, augmentations int, timedOut bool) {
	r.AllocatorStepsTotal.Inc()
	r.AllocatorStepDuration.Observe(duration.Seconds())
	r.AllocatorAugmentations.Observe(float64(augmentations))
	if timedOut {
		r.AllocatorStepTimeoutsTotal.Inc()
	}
}

// SetPlanDeficitPercent records the overall deficit of the latest run
func (r *Registry) SetPlanDeficitPercent(percent float64) {
	r.PlanDeficitPercent.Set(percent)
}

// RecordStoreOperation records a result store operation
func (r *Registry) RecordStoreOperation(backend, operation, status string, duration time.Duration) {
	r.StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	r.StoreOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// ObserveRunLock refreshes the gauges the API watch loop owns. A zero
// lockedAt means no run holds the lock.
func (r *Registry) ObserveRunLock(startedAt, lockedAt, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.APIUptimeSeconds.Set(now.Sub(startedAt).Seconds())
	if lockedAt.IsZero() {
		r.RunActive.Set(0)
		r.RunLockAgeSeconds.Set(0)
		return
	}
	r.RunActive.Set(1)
	r.RunLockAgeSeconds.Set(max(0, now.Sub(lockedAt).Seconds()))
}
