package middleware

import (
	"net/http"
	"time"
)

// MetricsRecorder receives one observation per served request.
// *metrics.Registry implements it.
type MetricsRecorder interface {
	RecordAPIRequest(method, route string, code int, duration time.Duration)
	APIRequestStarted()
	APIRequestDone()
}

// Metrics records request count, latency and in-flight requests, labelled
// by route pattern so run IDs never become label values.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if recorder == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.APIRequestStarted()
			defer recorder.APIRequestDone()

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			recorder.RecordAPIRequest(r.Method, Route(r), sw.statusCode, time.Since(start))
		})
	}
}
