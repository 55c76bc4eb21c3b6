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

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
)

// Hold is a worker's claim on the run lock.
type Hold struct {
	lock  *RunLock
	runID string
	once  sync.Once
	err   error
}

// HoldLock confirms that the lock in stateDir belongs to runID and records
// the calling process as its holder.
func HoldLock(stateDir, runID string) (*Hold, error) {
	lock := NewRunLock(stateDir)
	rec, err := lock.Read()
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.RunID != runID {
		return nil, fmt.Errorf("%w: %s", ErrLockNotHeld, runID)
	}
	if rec.PID != os.Getpid() {
		rec.PID = os.Getpid()
		if err := lock.Update(*rec); err != nil {
			return nil, err
		}
	}
	return &Hold{lock: lock, runID: runID}, nil
}

// Release removes the lock if it still belongs to the run. It is safe to
// call more than once.
func (h *Hold) Release() error {
	h.once.Do(func() {
		_, h.err = h.lock.Clear(h.runID)
	})
	return h.err
}

// ExecuteFunc performs a run and returns its totals.
type ExecuteFunc func(ctx context.Context, req *RunRequest) (*results.Totals, error)

// Work is the body of a worker process. It holds the run lock for the
// duration of fn, writes status.json with the outcome and releases the lock
// on every exit path, panics included. The returned error is the run's
// failure, already recorded in status.json.
func Work(ctx context.Context, stateDir, runDir string, fn ExecuteFunc, logger logging.Logger) (err error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	req, err := ReadRequest(runDir)
	if err != nil {
		return err
	}
	log := logger.With(logging.Component("worker"), logging.RunID(req.RunID))

	hold, err := HoldLock(stateDir, req.RunID)
	if err != nil {
		log.Error("worker does not hold the run lock", logging.Error(err))
		return err
	}

	st := Status{RunID: req.RunID, StartedAt: time.Now().UTC()}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		st.FinishedAt = time.Now().UTC()
		if err != nil {
			st.State = StateFailed
			st.Error = err.Error()
			st.Totals = nil
		} else {
			st.State = StateCompleted
		}
		if werr := WriteStatus(runDir, st); werr != nil {
			log.Error("failed to write run status", logging.Error(werr))
			err = errors.Join(err, werr)
		}
		if rerr := hold.Release(); rerr != nil {
			log.Error("failed to release run lock", logging.Error(rerr))
		}
		if err != nil {
			log.Error("run failed", logging.Error(err))
		} else {
			log.Info("run completed", logging.Duration("elapsed", st.FinishedAt.Sub(st.StartedAt)))
		}
	}()

	log.Info("run started", logging.Mode(string(req.Mode)), logging.PID(os.Getpid()))
	st.Totals, err = fn(ctx, req)
	return err
}

// ReadRequest loads request.json from runDir.
func ReadRequest(runDir string) (*RunRequest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, RequestFile))
	if err != nil {
		return nil, fmt.Errorf("read run request: %w", err)
	}
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse run request: %w", err)
	}
	return &req, nil
}

// WriteStatus records the outcome of a run.
func WriteStatus(runDir string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return writeFileAtomic(filepath.Join(runDir, StatusFile), data)
}

// ReadStatus returns the recorded outcome of a run; ok is false while none
// has been written.
func ReadStatus(runDir string) (st Status, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(runDir, StatusFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("read status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, false, fmt.Errorf("parse status: %w", err)
	}
	return st, true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
