package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
	"github.com/dd0wney/cluso-waterplan/pkg/validation"
)

// handleSubmitRun admits a run: 202 with its id, or 409 while another run
// is active. It never waits for the run.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var body validation.RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req, err := supervisor.ParseRunRequest(&body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.runs.Submit(r.Context(), req)
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		resp := RejectedResponse{Rejected: RejectedAlreadyRunning}
		if rec, _ := s.runs.Active(); rec != nil {
			resp.RunID = rec.RunID
		}
		s.respondJSON(w, http.StatusConflict, resp)
		return
	case err != nil:
		s.logger.Error("run submission failed", logging.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	s.logger.Info("run admitted", logging.RunID(runID), logging.Mode(string(req.Mode)))
	w.Header().Set("Location", "/api/v1/runs/"+runID)
	s.respondJSON(w, http.StatusAccepted, SubmitResponse{RunID: runID})
}

// handleGetRun reports running, completed with totals, or failed with a
// reason.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := validation.ValidateRunID(runID); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.runs.Poll(r.Context(), runID)
	switch {
	case errors.Is(err, supervisor.ErrUnknownRun):
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found", runID))
		return
	case errors.Is(err, supervisor.ErrInvalidRunID):
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("run poll failed", logging.RunID(runID), logging.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to read run status")
		return
	}

	s.respondJSON(w, http.StatusOK, statusResponse(st))
}
