package web

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/contentsync/syncd/app/jobs"
	"github.com/contentsync/syncd/app/service"
)

// APIJob represents a tracked job in JSON API responses
type APIJob struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Progress    *APIProgress `json:"progress,omitempty"`
	Result      *APIResult   `json:"result,omitempty"`
}

// APIProgress reports where a running job is
type APIProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// APIResult is the outcome of a finished job
type APIResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// APIStats aggregates job counts by status
type APIStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Stats            APIStats  `json:"stats"`
	UnresolvedErrors int       `json:"unresolved_errors"`
	Timestamp        time.Time `json:"timestamp"`
}

// submitRequest is the JSON body for POST /api/v1/jobs. Type is optional
// and defaults to the type configured for the source.
type submitRequest struct {
	Source string `json:"source"`
	Type   string `json:"type,omitempty"`
}

// toAPIJob converts jobs.Job to APIJob
func toAPIJob(j jobs.Job) APIJob {
	res := APIJob{
		ID:          j.ID,
		Type:        j.Type,
		Status:      string(j.Status),
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Progress != nil {
		res.Progress = &APIProgress{Current: j.Progress.Current, Total: j.Progress.Total, Message: j.Progress.Message}
	}
	if j.Result != nil {
		res.Result = &APIResult{Success: j.Result.Success, Output: j.Result.Output, Error: j.Result.Error}
	}
	return res
}

// handleStatus returns aggregated job stats, designed for CLI/jq consumption
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	all := s.Tracker.List()
	stats := APIStats{Total: len(all)}
	for _, j := range all {
		switch j.Status {
		case jobs.StatusPending:
			stats.Pending++
		case jobs.StatusRunning:
			stats.Running++
		case jobs.StatusCompleted:
			stats.Completed++
		case jobs.StatusFailed:
			stats.Failed++
		}
	}

	resp := APIStatusResponse{
		Stats:            stats,
		UnresolvedErrors: s.Errors.UnresolvedCount(),
		Timestamp:        time.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListJobs returns all tracked jobs, optionally filtered by type or status
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var list []jobs.Job
	switch {
	case r.URL.Query().Get("type") != "":
		list = s.Tracker.ListByType(r.URL.Query().Get("type"))
	case r.URL.Query().Get("status") != "":
		list = s.Tracker.ListByStatus(jobs.Status(r.URL.Query().Get("status")))
	default:
		list = s.Tracker.List()
	}

	resp := make([]APIJob, 0, len(list))
	for _, j := range list {
		resp = append(resp, toAPIJob(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetJob returns a single job by id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, ok := s.Tracker.Get(id)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toAPIJob(job))
}

// handleSubmitJob queues a manual sync run for a configured source.
// The job is created pending and picked up by the scheduler's request listener.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		s.writeJSONError(w, http.StatusBadRequest, "source name required")
		return
	}

	specs, err := s.Sources.List()
	if err != nil {
		log.Printf("[ERROR] failed to load sources: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load sources")
		return
	}

	jobType := ""
	for _, sp := range specs {
		if sp.Name == req.Source {
			jobType = sp.Type
			break
		}
	}
	if jobType == "" {
		s.writeJSONError(w, http.StatusNotFound, "unknown source")
		return
	}
	if req.Type != "" {
		jobType = req.Type
	}

	id := s.Tracker.Create(jobType)
	select {
	case s.Requests <- service.Request{JobID: id, Source: req.Source}:
	default:
		s.Tracker.Delete(id)
		s.writeJSONError(w, http.StatusServiceUnavailable, "job queue full")
		return
	}

	log.Printf("[INFO] job %s submitted for source %q", id, req.Source)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleDeleteJob removes a job record from the tracker
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job ID required")
		return
	}

	if job, ok := s.Tracker.Get(id); ok && job.Status == jobs.StatusRunning {
		s.writeJSONError(w, http.StatusConflict, "job is running")
		return
	}
	if !s.Tracker.Delete(id) {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleErrorsReport returns the aggregated error report
func (s *Server) handleErrorsReport(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Errors.GetReport())
}

// handleErrorsUnresolved returns the count of distinct unresolved errors
func (s *Server) handleErrorsUnresolved(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"count": s.Errors.UnresolvedCount()})
}

// handleErrorsResolve marks all errors for an operation as resolved
func (s *Server) handleErrorsResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation string `json:"operation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operation == "" {
		s.writeJSONError(w, http.StatusBadRequest, "operation required")
		return
	}
	s.Errors.MarkResolved(req.Operation)
	s.writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
