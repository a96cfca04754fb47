// Package api provides the HTTP API handlers and routing for the reconstruction service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/health"
	"reconstructor/internal/job"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RootResponse is the body of GET /.
type RootResponse struct {
	Status      string `json:"status"`
	Initialized bool   `json:"initialized"`
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// CreateJob handles POST /v1/jobs and POST /process-video.
// The job runs synchronously; the response carries the artifact URL.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if h.svc == nil {
		h.handleJobError(w, r, apperrors.Initialization("job service", nil))
		return
	}

	// A client disconnect must not abort a running stage.
	ctx := job.WithAcceptHook(context.WithoutCancel(r.Context()), func(jobID, docID string) {
		annotate(r, "jobId", jobID, "docId", docID)
	})
	res, err := h.svc.Submit(ctx, body)
	if err != nil {
		h.handleJobError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// GetJob handles GET /v1/jobs/{docId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	annotate(r, "docId", docID)
	if docID == "" {
		h.writeError(w, http.StatusBadRequest, "Document ID is required", "")
		return
	}
	if h.svc == nil {
		h.handleError(w, r, apperrors.Initialization("job service", nil))
		return
	}

	rec, err := h.svc.Lookup(r.Context(), docID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// Root handles GET / - the basic health check existing clients poll.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, RootResponse{
		Status:      "healthy",
		Initialized: h.svc != nil && h.svc.Initialized(),
	})
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness check.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a dependency (blob store, status store, stage runner) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, details string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// handleError handles errors from lookups with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, http.StatusText(status), err.Error())
}

// handleJobError maps a job submission error to a response. Only validation
// and initialization errors are the caller's concern; every pipeline error is
// a 500 whose details name the error kind.
func (h *Handler) handleJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		slog.Warn("Rejected job request", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusBadRequest, "Invalid job request", err.Error())
	case errors.Is(err, apperrors.ErrInitialization):
		slog.Error("Job request while not initialized", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusServiceUnavailable, "Backend not fully initialized", err.Error())
	default:
		var stageErr *apperrors.StageError
		if errors.As(err, &stageErr) {
			details := fmt.Sprintf("%s: %s", apperrors.Kind(err), err.Error())
			if stageErr.Stderr != "" {
				details += "\n" + stageErr.Stderr
			}
			h.writeError(w, http.StatusInternalServerError, "Reconstruction stage failed", details)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Job failed", fmt.Sprintf("%s: %s", apperrors.Kind(err), err.Error()))
	}
}
