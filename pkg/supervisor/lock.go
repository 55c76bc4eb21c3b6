package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFile is the name of the run lock inside the state directory.
const LockFile = "run.lock"

// LockRecord is the content of the run lock.
type LockRecord struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host"`
}

// RunLock is the single-run lock shared by the API and worker processes.
// Creation is exclusive at the filesystem level; updates replace the file
// atomically.
type RunLock struct {
	path string
}

func NewRunLock(stateDir string) *RunLock {
	return &RunLock{path: filepath.Join(stateDir, LockFile)}
}

func (l *RunLock) Path() string { return l.path }

// Read returns the current record, or nil when no lock is held.
func (l *RunLock) Read() (*LockRecord, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run lock: %w", err)
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockCorrupt, err)
	}
	return &rec, nil
}

// Acquire creates the lock. It fails with ErrAlreadyRunning when any lock
// file exists.
func (l *RunLock) Acquire(rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("create run lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("write run lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("sync run lock: %w", err)
	}
	return f.Close()
}

// Update rewrites the record of a held lock.
func (l *RunLock) Update(rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace run lock: %w", err)
	}
	return nil
}

// SetPID replaces the placeholder holder pid with pid while the lock still
// belongs to runID. Once the worker has recorded itself, or released the
// lock, nothing is written. It reports whether the record was updated.
func (l *RunLock) SetPID(runID string, placeholder, pid int) (bool, error) {
	rec, err := l.Read()
	if err != nil || rec == nil || rec.RunID != runID || rec.PID != placeholder {
		return false, err
	}
	rec.PID = pid
	return true, l.Update(*rec)
}

// Clear removes the lock if it still belongs to runID. It reports whether
// a lock was removed.
func (l *RunLock) Clear(runID string) (bool, error) {
	rec, err := l.Read()
	if err != nil && !errors.Is(err, ErrLockCorrupt) {
		return false, err
	}
	if rec != nil && rec.RunID != runID {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove run lock: %w", err)
	}
	return true, nil
}

// processAlive reports whether pid exists. EPERM means the process exists
// but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
