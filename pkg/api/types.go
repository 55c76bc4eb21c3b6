package api

import (
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
)

// RejectedAlreadyRunning is the rejection reason of a submission made
// while another run is active.
const RejectedAlreadyRunning = "AlreadyRunning"

// SubmitResponse answers an admitted submission.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// RejectedResponse answers a submission turned away.
type RejectedResponse struct {
	Rejected string `json:"rejected"`
	RunID    string `json:"run_id,omitempty"`
}

// RunStatusResponse answers a poll.
type RunStatusResponse struct {
	RunID      string           `json:"run_id"`
	Status     supervisor.State `json:"status"`
	Error      string           `json:"error,omitempty"`
	Totals     *results.Totals  `json:"totals,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func statusResponse(st supervisor.Status) RunStatusResponse {
	resp := RunStatusResponse{
		RunID:  st.RunID,
		Status: st.State,
		Error:  st.Error,
		Totals: st.Totals,
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = &st.StartedAt
	}
	if !st.FinishedAt.IsZero() {
		resp.FinishedAt = &st.FinishedAt
	}
	return resp
}
