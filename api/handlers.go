/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the reconciliation orchestrator via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Jobs:
    GET    /api/reconciliation/jobs                 List jobs (district_id, target_month, status, limit)
    POST   /api/reconciliation/jobs                 Start a reconciliation
    GET    /api/reconciliation/jobs/{id}            Get job
    DELETE /api/reconciliation/jobs/{id}            Cancel job
    POST   /api/reconciliation/jobs/{id}/cancel     Cancel job
    POST   /api/reconciliation/jobs/{id}/tick       Run one check now
    POST   /api/reconciliation/jobs/{id}/extend     Extend the deadline by N days
    POST   /api/reconciliation/jobs/{id}/finalize   Finalize now

  Progress:
    GET    /api/reconciliation/jobs/{id}/status     Derived status
    GET    /api/reconciliation/jobs/{id}/timeline   Tick history
    GET    /api/reconciliation/jobs/{id}/estimate   Estimated completion
    GET    /api/reconciliation/jobs/{id}/statistics Timeline statistics

  Config:
    GET    /api/reconciliation/config               Current default config
    PUT    /api/reconciliation/config               Partial update
    POST   /api/reconciliation/config/validate      Validate a partial update without saving

  Admin:
    POST   /api/reconciliation/scheduler/run        Run one scheduler cycle now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (with per-field violations), invalid input
  - 404: Job not found
  - 409: Active job exists (with existing_job_id), job not active,
         tick in progress, no extension left
  - 500: Internal errors

  A tick whose data-source read failed still returns 200: the failure is
  recorded on the timeline and reported in the response's error field.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/reconciliation-engine/reconciliation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator *reconciliation.Orchestrator
	Logger       logrus.FieldLogger

	// Scheduler is optional; without it /scheduler/run answers 503.
	Scheduler *ReconciliationScheduler
}

// NewHandler creates a new handler over orch.
func NewHandler(orch *reconciliation.Orchestrator, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Orchestrator: orch,
		Logger:       logger.WithField("component", "api"),
	}
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// StartJob starts a reconciliation for a district and month.
// POST /api/reconciliation/jobs
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start := reconciliation.StartRequest{
		DistrictID:  req.DistrictID,
		TargetMonth: req.TargetMonth,
		TriggeredBy: reconciliation.TriggeredBy(req.TriggeredBy),
	}
	if req.Config != nil {
		update := req.Config.toUpdate()
		start.Config = &update
	}
	if req.Baseline != nil {
		baseline, err := req.Baseline.toReading()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid baseline as_of_date (use YYYY-MM-DD or RFC 3339)", err)
			return
		}
		start.Baseline = &baseline
	}

	job, err := h.Orchestrator.StartReconciliation(r.Context(), start)
	if err != nil {
		h.writeEngineError(w, "Failed to start reconciliation", err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobDTO(*job))
}

// ListJobs returns jobs, newest first.
// GET /api/reconciliation/jobs?district_id=&target_month=&status=&limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := reconciliation.JobFilter{
		DistrictID:  q.Get("district_id"),
		TargetMonth: q.Get("target_month"),
		Status:      reconciliation.JobStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit (use a non-negative integer)", err)
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.Orchestrator.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list jobs", err)
		return
	}

	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = toJobDTO(j)
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: dtos, Count: len(dtos)})
}

// GetJob returns a single job.
// GET /api/reconciliation/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Orchestrator.GetJob(r.Context(), jobID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// CancelJob cancels an active job.
// POST /api/reconciliation/jobs/{id}/cancel, DELETE /api/reconciliation/jobs/{id}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Orchestrator.CancelReconciliation(r.Context(), jobID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// TickJob runs one check outside the schedule.
// POST /api/reconciliation/jobs/{id}/tick
func (h *Handler) TickJob(w http.ResponseWriter, r *http.Request) {
	result, err := h.Orchestrator.Tick(r.Context(), jobID(r))
	if err != nil && !(result != nil && errors.Is(err, reconciliation.ErrReadingUnavailable)) {
		h.writeEngineError(w, "Failed to run check", err)
		return
	}

	resp := toTickResponse(result)
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExtendJob pushes an active job's deadline out.
// POST /api/reconciliation/jobs/{id}/extend
func (h *Handler) ExtendJob(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	job, err := h.Orchestrator.ExtendReconciliation(r.Context(), jobID(r), req.Days)
	if err != nil {
		h.writeEngineError(w, "Failed to extend job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// FinalizeJob marks an active job completed now.
// POST /api/reconciliation/jobs/{id}/finalize
func (h *Handler) FinalizeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Orchestrator.FinalizeReconciliation(r.Context(), jobID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to finalize job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// =============================================================================
// PROGRESS HANDLERS
// =============================================================================

// GetJobStatus returns the derived status.
// GET /api/reconciliation/jobs/{id}/status
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Orchestrator.GetStatus(r.Context(), jobID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get status", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(status))
}

// GetTimeline returns the tick history.
// GET /api/reconciliation/jobs/{id}/timeline
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := h.Orchestrator.GetTimeline(r.Context(), jobID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineDTO(*tl))
}

// GetEstimate returns the estimated completion date, if one can be given.
// GET /api/reconciliation/jobs/{id}/estimate
func (h *Handler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)
	at, ok, err := h.Orchestrator.EstimateCompletion(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to estimate completion", err)
		return
	}

	dto := EstimateDTO{JobID: string(id), Available: ok}
	if ok {
		dto.EstimatedCompletion = formatTime(at)
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetStatistics returns timeline statistics.
// GET /api/reconciliation/jobs/{id}/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)
	stats, err := h.Orchestrator.GetProgressStatistics(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(id, stats))
}

// =============================================================================
// CONFIG HANDLERS
// =============================================================================

// GetConfig returns the default config applied to new jobs.
// GET /api/reconciliation/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Orchestrator.GetConfiguration(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to get configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// UpdateConfig applies a partial update to the default config.
// PUT /api/reconciliation/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cfg, err := h.Orchestrator.UpdateConfiguration(r.Context(), req.toUpdate())
	if err != nil {
		h.writeEngineError(w, "Failed to update configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// ValidateConfig checks a partial update against the current config
// without saving it.
// POST /api/reconciliation/config/validate
func (h *Handler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	merged, violations, err := h.Orchestrator.ValidateConfigurationUpdate(r.Context(), req.toUpdate())
	if err != nil {
		h.writeEngineError(w, "Failed to validate configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateConfigResponse{
		Valid:      len(violations) == 0,
		Config:     toConfigDTO(merged),
		Violations: toViolationDTOs(violations),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunScheduler runs one scheduler cycle and reports what it did.
// POST /api/reconciliation/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}
	res := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, CycleResponse(res))
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func jobID(r *http.Request) reconciliation.JobID {
	return reconciliation.JobID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	var verr *reconciliation.ValidationError
	var conflict *reconciliation.ConflictError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      message,
			Details:    err.Error(),
			Violations: toViolationDTOs(verr.Violations),
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:         message,
			Details:       err.Error(),
			ExistingJobID: string(conflict.ExistingJobID),
		})
	case reconciliation.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Job not found", err)
	case reconciliation.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, reconciliation.ErrReadingUnavailable):
		writeError(w, http.StatusBadGateway, message, err)
	default:
		h.Logger.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
