package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/opsgrid/checkfarm/internal/dispatch"
	"github.com/opsgrid/checkfarm/internal/events"
	"github.com/opsgrid/checkfarm/internal/history"
	"github.com/opsgrid/checkfarm/internal/jobtable"
	"github.com/opsgrid/checkfarm/internal/registry"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	JobsInFlight  int    `json:"jobs_in_flight"`
}

// WorkersResponse is returned by GET /v1/workers.
type WorkersResponse struct {
	Workers []registry.Info `json:"workers"`
}

// JobsResponse is returned by GET /v1/jobs.
type JobsResponse struct {
	Jobs []jobtable.Info `json:"jobs"`
}

// HistoryResponse is returned by GET /v1/history.
type HistoryResponse struct {
	Entries []history.Entry `json:"entries"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

// CheckRequest is the body of POST /v1/checks.
type CheckRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Plugin         string `json:"plugin,omitempty"`
}

// CheckResponse is returned by POST /v1/checks.
type CheckResponse struct {
	JobID int `json:"job_id"`
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       len(s.workers.List()),
		JobsInFlight:  s.jobs.Len(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleWorkers handles GET /v1/workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	list := s.workers.List()
	if list == nil {
		list = []registry.Info{}
	}
	respondJSON(w, http.StatusOK, WorkersResponse{Workers: list})
}

// handleJobs handles GET /v1/jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.Outstanding()
	if jobs == nil {
		jobs = []jobtable.Info{}
	}
	respondJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

// handleSubmitCheck handles POST /v1/checks.
func (s *Server) handleSubmitCheck(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		s.writeError(w, http.StatusNotFound, "check ingress is disabled")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_seconds must be positive")
		return
	}

	jobID, err := s.submitter.SubmitCheck(req.Command, time.Duration(req.TimeoutSeconds)*time.Second, req.Plugin)
	if err != nil {
		if errors.Is(err, dispatch.ErrRejected) {
			s.writeError(w, http.StatusServiceUnavailable, "no worker has capacity")
			return
		}
		s.logger.Error("check submission failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "check submission failed")
		return
	}

	respondJSON(w, http.StatusAccepted, CheckResponse{JobID: jobID})
}

// handleHistory handles GET /v1/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read job history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read job history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// handleEvents handles GET /v1/events?since=ID.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	snapshot := s.events.SnapshotSince(since)
	if snapshot == nil {
		snapshot = []events.Event{}
	}
	respondJSON(w, http.StatusOK, EventsResponse{Events: snapshot})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
