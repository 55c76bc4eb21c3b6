package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
)

// Supervisor admits runs, launches their workers and reports their state.
type Supervisor struct {
	mu sync.Mutex

	lock     *RunLock
	runsDir  string
	launcher Launcher
	host     string
	logger   logging.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	// exited holds the exit error of every worker this process reaped,
	// keyed by run id.
	exited map[string]error
	// mode of each run submitted by this process, for metrics.
	modes map[string]string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(s *Supervisor) { s.metrics = r }
}

// New returns a supervisor keeping its lock in stateDir and run
// directories under runsDir.
func New(stateDir, runsDir string, launcher Launcher, opts ...Option) (*Supervisor, error) {
	for _, dir := range []string{stateDir, runsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	host, _ := os.Hostname()
	s := &Supervisor{
		lock:     NewRunLock(stateDir),
		runsDir:  runsDir,
		launcher: launcher,
		host:     host,
		logger:   logging.NewNopLogger(),
		now:      time.Now,
		exited:   make(map[string]error),
		modes:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.Component("supervisor"))
	return s, nil
}

// RunDir is the directory of runID.
func (s *Supervisor) RunDir(runID string) string {
	return filepath.Join(s.runsDir, runID)
}

// Lock exposes the run lock for health checks.
func (s *Supervisor) Lock() *RunLock { return s.lock }

// Submit admits req and launches its worker. It returns ErrAlreadyRunning
// while another run holds the lock and its process is alive. A lock left by
// a dead process is cleared with a warning and the run is admitted.
func (s *Supervisor) Submit(ctx context.Context, req RunRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := s.recoverStale(); err != nil {
		if errors.Is(err, ErrAlreadyRunning) && s.metrics != nil {
			s.metrics.RecordRunRejected()
		}
		return "", err
	}

	runID := uuid.NewString()
	req.RunID = runID
	req.SubmittedAt = s.now().UTC()
	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(runDir, RequestFile), data); err != nil {
		return "", err
	}

	// The API process holds the lock until the worker has a pid.
	rec := LockRecord{RunID: runID, PID: os.Getpid(), StartedAt: req.SubmittedAt, Host: s.host}
	if err := s.lock.Acquire(rec); err != nil {
		if errors.Is(err, ErrAlreadyRunning) && s.metrics != nil {
			s.metrics.RecordRunRejected()
		}
		return "", err
	}

	proc, err := s.launcher.Launch(runID, runDir)
	if err != nil {
		_, _ = s.lock.Clear(runID)
		_ = WriteStatus(runDir, Status{RunID: runID, State: StateFailed, Error: err.Error(), FinishedAt: s.now().UTC()})
		return "", fmt.Errorf("launch worker: %w", err)
	}

	placeholder := rec.PID
	rec.PID = proc.Pid()
	if _, err := s.lock.SetPID(runID, placeholder, rec.PID); err != nil {
		s.logger.Error("failed to record worker pid", logging.RunID(runID), logging.PID(rec.PID), logging.Error(err))
	}

	mode := string(req.Mode)
	s.modes[runID] = mode
	go s.reap(runID, proc)

	if s.metrics != nil {
		s.metrics.RecordRunSubmitted(mode)
	}
	s.logger.Info("run admitted",
		logging.RunID(runID),
		logging.PID(rec.PID),
		logging.Mode(mode),
		logging.Path(runDir))
	return runID, nil
}

// recoverStale clears a lock whose process is gone. Caller holds s.mu.
func (s *Supervisor) recoverStale() error {
	rec, err := s.lock.Read()
	if errors.Is(err, ErrLockCorrupt) {
		s.logger.Warn("removing corrupt run lock", logging.Path(s.lock.Path()), logging.Error(err))
		_, err = s.lock.Clear("")
		return err
	}
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if s.alive(rec) {
		return ErrAlreadyRunning
	}

	s.logger.Warn("recovering stale run lock",
		logging.RunID(rec.RunID),
		logging.PID(rec.PID),
		logging.String("host", rec.Host),
		logging.String("reason", FailureWorkerCrashed))
	if s.metrics != nil {
		s.metrics.RecordLockRecovery()
	}
	_, err = s.lock.Clear(rec.RunID)
	return err
}

// alive reports whether the process named by rec is still running. Workers
// reaped by this process count as dead even if the pid was reused.
func (s *Supervisor) alive(rec *LockRecord) bool {
	if _, ok := s.exited[rec.RunID]; ok {
		return false
	}
	return processAlive(rec.PID)
}

func (s *Supervisor) reap(runID string, proc Process) {
	err := proc.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited[runID] = err
	if err != nil {
		s.logger.Warn("worker exited with error", logging.RunID(runID), logging.Error(err))
	} else {
		s.logger.Debug("worker exited", logging.RunID(runID))
	}
}

// Poll reports the state of runID. A run whose worker is gone without a
// status artifact is reported as failed with FailureWorkerCrashed. The lock
// is cleared once the run is terminal.
func (s *Supervisor) Poll(ctx context.Context, runID string) (Status, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return Status{}, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := s.RunDir(runID)
	if _, err := os.Stat(filepath.Join(runDir, RequestFile)); errors.Is(err, fs.ErrNotExist) {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	st, ok, err := ReadStatus(runDir)
	if err != nil {
		return Status{}, err
	}
	if ok {
		s.finish(runID, st)
		return st, nil
	}

	rec, err := s.lock.Read()
	if err != nil && !errors.Is(err, ErrLockCorrupt) {
		return Status{}, err
	}
	if rec != nil && rec.RunID == runID && s.alive(rec) {
		return Status{RunID: runID, State: StateRunning, StartedAt: rec.StartedAt}, nil
	}

	// The worker may have finished between the two reads.
	st, ok, err = ReadStatus(runDir)
	if err != nil {
		return Status{}, err
	}
	if ok {
		s.finish(runID, st)
		return st, nil
	}

	st = Status{RunID: runID, State: StateFailed, Error: FailureWorkerCrashed, FinishedAt: s.now().UTC()}
	if rec != nil {
		st.StartedAt = rec.StartedAt
	}
	s.logger.Warn("worker exited without completing", logging.RunID(runID))
	if err := WriteStatus(runDir, st); err != nil {
		s.logger.Error("failed to record crashed run", logging.RunID(runID), logging.Error(err))
	}
	s.finish(runID, st)
	return st, nil
}

// finish clears the lock of a terminal run. Caller holds s.mu.
func (s *Supervisor) finish(runID string, st Status) {
	cleared, err := s.lock.Clear(runID)
	if err != nil {
		s.logger.Error("failed to clear run lock", logging.RunID(runID), logging.Error(err))
	}
	mode, submitted := s.modes[runID]
	if !submitted {
		return
	}
	delete(s.modes, runID)
	if s.metrics != nil {
		var d time.Duration
		if !st.StartedAt.IsZero() && !st.FinishedAt.IsZero() {
			d = st.FinishedAt.Sub(st.StartedAt)
		}
		s.metrics.RecordRunFinished(mode, string(st.State), d)
		if active, _ := s.lock.Read(); active != nil {
			s.metrics.RunActive.Set(1)
		}
		if st.Totals != nil {
			pct, _ := st.Totals.DeficitPercent.Float64()
			s.metrics.SetPlanDeficitPercent(pct)
		}
	}
	if cleared {
		s.logger.Info("run finished", logging.RunID(runID), logging.String("state", string(st.State)))
	}
}

// Active returns the current lock record, if any.
func (s *Supervisor) Active() (*LockRecord, error) {
	return s.lock.Read()
}
