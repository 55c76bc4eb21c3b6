package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// storeTimeout bounds a store ping
const storeTimeout = 2 * time.Second

// StoreCheck reports whether a result store answers a ping
func StoreCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func() Check {
		check := Check{Name: name}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Connected"
		}
		return check
	}
}

// WritableDirCheck reports whether files can be created in dir
func WritableDirCheck(name, dir string) CheckFunc {
	return func() Check {
		check := Check{
			Name:    name,
			Details: map[string]any{"path": dir},
		}

		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		_ = f.Close()
		_ = os.Remove(f.Name())

		check.Status = StatusHealthy
		check.Message = "Writable"
		return check
	}
}

// RunLockState describes the run lock for RunLockCheck
type RunLockState struct {
	Held      bool
	RunID     string
	PID       int
	StartedAt time.Time
}

// RunLockCheck reports the active run. Holding the lock is healthy; a
// lock that cannot be read is degraded because the next submission will
// try to recover it.
func RunLockCheck(read func() (RunLockState, error)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "run_lock",
			Details: make(map[string]any),
		}

		state, err := read()
		if err != nil {
			check.Status = StatusDegraded
			check.Message = err.Error()
			return check
		}

		check.Status = StatusHealthy
		check.Details["held"] = state.Held
		if !state.Held {
			check.Message = "Idle"
			return check
		}
		check.Message = "Run in progress"
		check.Details["run_id"] = state.RunID
		check.Details["pid"] = state.PID
		check.Details["running_seconds"] = time.Since(state.StartedAt).Seconds()
		return check
	}
}

// DiskSpaceCheck reports free space on the filesystem holding path
func DiskSpaceCheck(path string) CheckFunc {
	return diskSpaceCheck(func() (used, total uint64, err error) {
		var st syscall.Statfs_t
		if err := syscall.Statfs(filepath.Clean(path), &st); err != nil {
			return 0, 0, err
		}
		total = st.Blocks * uint64(st.Bsize)
		free := st.Bavail * uint64(st.Bsize)
		return total - free, total, nil
	})
}

func diskSpaceCheck(getUsage func() (used, total uint64, err error)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "disk_space",
			Details: make(map[string]any),
		}

		used, total, err := getUsage()
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		if total == 0 {
			check.Status = StatusUnhealthy
			check.Message = "Filesystem reports no capacity"
			return check
		}

		usagePercent := float64(used) / float64(total) * 100
		check.Details["used_bytes"] = used
		check.Details["total_bytes"] = total
		check.Details["usage_percent"] = usagePercent

		switch {
		case usagePercent > 95:
			check.Status = StatusUnhealthy
			check.Message = "Critical disk space"
		case usagePercent > 80:
			check.Status = StatusDegraded
			check.Message = "Low disk space"
		default:
			check.Status = StatusHealthy
			check.Message = "Sufficient disk space"
		}
		return check
	}
}

// MemoryCheck reports Go heap usage against memory obtained from the OS
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()
		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		if sys > 0 && float64(alloc)/float64(sys)*100 > 90 {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("High memory usage: %d of %d bytes", alloc, sys)
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}
		return check
	}
}
