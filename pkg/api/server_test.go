package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-waterplan/pkg/config"
	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/health"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
)

const planningBody = `{"mode":"planning","start":"2024-01-01","steps":3,"granularity":"daily"}`

// gateLauncher runs the worker body in-process and holds it until the
// gate is opened.
type gateLauncher struct {
	stateDir string
	gate     chan struct{}
	fn       supervisor.ExecuteFunc
	// crash exits without running the worker body.
	crash bool

	mu       sync.Mutex
	requests []*supervisor.RunRequest
}

type gateProcess struct{ done chan struct{} }

func (p *gateProcess) Pid() int    { return os.Getpid() }
func (p *gateProcess) Wait() error { <-p.done; return nil }

func (l *gateLauncher) Launch(_ string, runDir string) (supervisor.Process, error) {
	p := &gateProcess{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		<-l.gate
		if l.crash {
			return
		}
		_ = supervisor.Work(context.Background(), l.stateDir, runDir, func(ctx context.Context, req *supervisor.RunRequest) (*results.Totals, error) {
			l.mu.Lock()
			l.requests = append(l.requests, req)
			l.mu.Unlock()
			return l.fn(ctx, req)
		}, nil)
	}()
	return p, nil
}

func testConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func setupTestServer(t *testing.T, fn supervisor.ExecuteFunc) (*Server, *gateLauncher, *metrics.Registry) {
	t.Helper()

	stateDir := t.TempDir()
	l := &gateLauncher{stateDir: stateDir, gate: make(chan struct{}), fn: fn}
	reg := metrics.NewRegistry()
	sup, err := supervisor.New(stateDir, t.TempDir(), l, supervisor.WithMetrics(reg))
	require.NoError(t, err)

	return NewServer(sup, reg, testConfig()), l, reg
}

func completed(context.Context, *supervisor.RunRequest) (*results.Totals, error) {
	return &results.Totals{DeficitPercent: decimal.NewFromInt(25)}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// poll fetches the status of runID without failing the test, so it can be
// used inside Eventually.
func poll(h http.Handler, runID string) (RunStatusResponse, bool) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID, nil))
	var st RunStatusResponse
	if rr.Code != http.StatusOK || json.Unmarshal(rr.Body.Bytes(), &st) != nil {
		return st, false
	}
	return st, st.Status.Terminal()
}

func (l *gateLauncher) seen() []*supervisor.RunRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*supervisor.RunRequest(nil), l.requests...)
}

func TestSubmitAndPoll_Lifecycle(t *testing.T) {
	s, l, _ := setupTestServer(t, completed)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/runs", planningBody)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	runID := decode[SubmitResponse](t, rr).RunID
	require.NotEmpty(t, runID)
	assert.Equal(t, "/api/v1/runs/"+runID, rr.Header().Get("Location"))

	// A second submission is rejected while the first is active.
	rr = do(t, h, http.MethodPost, "/api/v1/runs", planningBody)
	require.Equal(t, http.StatusConflict, rr.Code)
	rejected := decode[RejectedResponse](t, rr)
	assert.Equal(t, RejectedAlreadyRunning, rejected.Rejected)
	assert.Equal(t, runID, rejected.RunID)

	rr = do(t, h, http.MethodGet, "/api/v1/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, supervisor.StateRunning, decode[RunStatusResponse](t, rr).Status)

	close(l.gate)

	var st RunStatusResponse
	require.Eventually(t, func() (done bool) {
		st, done = poll(h, runID)
		return done
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, supervisor.StateCompleted, st.Status)
	require.NotNil(t, st.Totals)
	assert.True(t, st.Totals.DeficitPercent.Equal(decimal.NewFromInt(25)))
	assert.NotNil(t, st.FinishedAt)

	requests := l.seen()
	require.Len(t, requests, 1)
	assert.Equal(t, cost.Planning, requests[0].Mode)
	assert.Nil(t, requests[0].Weights)
	assert.Equal(t, 3, requests[0].Horizon.Steps)
	assert.Equal(t, series.Daily, requests[0].Horizon.Granularity)

	// The lock is free again.
	rr = do(t, h, http.MethodPost, "/api/v1/runs", planningBody)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestPoll_FailedRunReportsReason(t *testing.T) {
	s, l, _ := setupTestServer(t, func(context.Context, *supervisor.RunRequest) (*results.Totals, error) {
		return nil, errors.New("node farm: unknown series rain")
	})
	close(l.gate)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/runs", planningBody)
	require.Equal(t, http.StatusAccepted, rr.Code)
	runID := decode[SubmitResponse](t, rr).RunID

	var st RunStatusResponse
	require.Eventually(t, func() (done bool) {
		st, done = poll(h, runID)
		return done
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, supervisor.StateFailed, st.Status)
	assert.Contains(t, st.Error, "unknown series rain")
	assert.Nil(t, st.Totals)
}

func TestSubmit_OptimizationWeights(t *testing.T) {
	s, l, _ := setupTestServer(t, completed)
	close(l.gate)
	h := s.Handler()

	body := `{"mode":"optimization","weights":{"co2":0.5},"start":"2024-03-15","steps":2,"granularity":"monthly"}`
	rr := do(t, h, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool {
		return len(l.seen()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	req := l.seen()[0]
	assert.Equal(t, cost.Optimization, req.Mode)
	require.NotNil(t, req.Weights)
	assert.Equal(t, cost.Weights{Deficit: 1, CO2: 0.5, Economic: 1}, *req.Weights)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), req.Horizon.Start)
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"mode":`, http.StatusBadRequest},
		{"unknown field", `{"start":"2024-01-01","steps":1,"granularity":"daily","extra":1}`, http.StatusBadRequest},
		{"missing start", `{"steps":1,"granularity":"daily"}`, http.StatusBadRequest},
		{"bad date", `{"start":"01/01/2024","steps":1,"granularity":"daily"}`, http.StatusBadRequest},
		{"zero steps", `{"start":"2024-01-01","steps":0,"granularity":"daily"}`, http.StatusBadRequest},
		{"bad mode", `{"mode":"fast","start":"2024-01-01","steps":1,"granularity":"daily"}`, http.StatusBadRequest},
		{"weights in planning", `{"mode":"planning","weights":{"co2":1},"start":"2024-01-01","steps":1,"granularity":"daily"}`, http.StatusBadRequest},
		{"weight out of range", `{"mode":"optimization","weights":{"co2":1.5},"start":"2024-01-01","steps":1,"granularity":"daily"}`, http.StatusBadRequest},
		{"too large", `{"mode":"` + strings.Repeat("x", maxRequestBody) + `"}`, http.StatusRequestEntityTooLarge},
	}

	s, l, _ := setupTestServer(t, completed)
	defer close(l.gate)
	h := s.Handler()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}

	active, err := s.runs.Active()
	require.NoError(t, err)
	assert.Nil(t, active, "rejected requests must not take the lock")
}

func TestGetRun_Errors(t *testing.T) {
	s, l, _ := setupTestServer(t, completed)
	close(l.gate)
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/runs/0b6f3c5e-9d4a-4c1e-8f2b-7a6d5e4c3b2a", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, http.StatusNotFound, decode[ErrorResponse](t, rr).Code)

	rr = do(t, h, http.MethodDelete, "/api/v1/runs/0b6f3c5e-9d4a-4c1e-8f2b-7a6d5e4c3b2a", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	stateDir := t.TempDir()
	reg := metrics.NewRegistry()
	sup, err := supervisor.New(stateDir, t.TempDir(), &gateLauncher{gate: make(chan struct{})}, supervisor.WithMetrics(reg))
	require.NoError(t, err)

	hc := health.NewHealthChecker()
	hc.RegisterLivenessCheck("api", func() health.Check { return health.Check{Status: health.StatusHealthy} })
	hc.RegisterReadinessCheck("state_dir", health.WritableDirCheck("state_dir", stateDir))
	h := NewServer(sup, reg, testConfig(), WithHealthChecker(hc)).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", "").Code)
	rr := do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, decode[health.Response](t, rr).Checks, "state_dir")

	rr = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `waterplan_api_requests_total{code="200",method="GET",route="/health/ready"} 1`)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestServe_BackgroundPollReleasesCrashedRun(t *testing.T) {
	s, l, _ := setupTestServer(t, completed)
	l.crash = true
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/v1/runs", planningBody)
	require.Equal(t, http.StatusAccepted, rr.Code)
	runID := decode[SubmitResponse](t, rr).RunID

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	close(l.gate)

	// Nobody polls over HTTP; the watcher notices the dead worker and
	// clears the lock.
	require.Eventually(t, func() bool {
		rec, err := s.runs.Active()
		return err == nil && rec == nil
	}, 5*time.Second, 20*time.Millisecond)

	sup := s.runs.(*supervisor.Supervisor)
	st, ok, err := supervisor.ReadStatus(sup.RunDir(runID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, supervisor.StateFailed, st.State)
	assert.Equal(t, supervisor.FailureWorkerCrashed, st.Error)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
