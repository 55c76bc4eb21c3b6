// Package supervisor admits at most one run at a time and executes it in a
// separate worker process.
//
// The API process and the worker share two things: the run lock in the
// state directory and the run directory, which holds request.json written
// at admission and status.json written by the worker when it finishes.
// A worker that dies without writing status.json is detected by process
// liveness alone.
package supervisor

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

const (
	RequestFile   = "request.json"
	StatusFile    = "status.json"
	WorkerLogFile = "worker.log"
)

var (
	// ErrAlreadyRunning rejects a submission while another run is active.
	ErrAlreadyRunning = errors.New("a run is already in progress")

	ErrUnknownRun   = errors.New("unknown run")
	ErrLockCorrupt  = errors.New("run lock is corrupt")
	ErrLockNotHeld  = errors.New("run lock not held by this run")
	ErrInvalidRunID = errors.New("invalid run id")
)

// FailureWorkerCrashed is the failure reason of a run whose worker exited
// without writing a status artifact.
const FailureWorkerCrashed = "WorkerCrashed"

// RunRequest is what a worker needs to execute a run.
type RunRequest struct {
	RunID       string         `json:"run_id"`
	Mode        cost.Mode      `json:"mode"`
	Weights     *cost.Weights  `json:"weights,omitempty"`
	Horizon     series.Horizon `json:"horizon"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// State is the externally visible state of a run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is what Poll returns and what the worker writes to status.json.
type Status struct {
	RunID      string          `json:"run_id"`
	State      State           `json:"state"`
	Error      string          `json:"error,omitempty"`
	Totals     *results.Totals `json:"totals,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}
