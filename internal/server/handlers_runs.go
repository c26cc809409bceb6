package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/veildata/veil/internal/authz"
	"github.com/veildata/veil/internal/engine"
	"github.com/veildata/veil/internal/model"
	"github.com/veildata/veil/internal/results"
)

// HandleListRuns handles GET /v1/jobs/{job_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(r.Context(), ClaimsFromContext(r.Context()), r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	runs, err := h.db.ListRuns(r.Context(), job.ID)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// parseRunID parses the run_id path segment. Run numbers are 1-based.
func parseRunID(raw string) (int, bool) {
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// HandleGetRun handles GET /v1/jobs/{job_id}/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(r.Context(), ClaimsFromContext(r.Context()), r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	runID, ok := parseRunID(r.PathValue("run_id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	run, err := h.db.GetRun(r.Context(), job.ID, runID)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRefine handles POST /v1/jobs/{job_id}/runs/{run_id}/refine.
// Starts a new run with per-statistic epsilon overrides; the new run's
// number is assigned by the server, not taken from the path.
func (h *Handlers) HandleRefine(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	job, ok := h.loadJob(r.Context(), claims, r.PathValue("job_id"))
	if !ok || !authz.CanActOnJob(claims, job.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	var req model.RefineRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	user, err := h.currentUser(r)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	run, err := h.pipeline.Refine(r.Context(), user, job.ID, req)
	if err != nil {
		if errors.Is(err, engine.ErrTriggerRejected) {
			// The run exists in failed state; report the rejection with it.
			writeJSON(w, r, http.StatusUnprocessableEntity, run)
			return
		}
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// releaseResponse is the POST .../release payload.
type releaseResponse struct {
	Run      model.Run             `json:"run"`
	Cost     float64               `json:"cost"`
	Analyses []results.AnalysisCost `json:"analyses"`
}

// HandleRelease handles POST /v1/jobs/{job_id}/runs/{run_id}/release.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	job, ok := h.loadJob(r.Context(), claims, r.PathValue("job_id"))
	if !ok || !authz.CanActOnJob(claims, job.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	runID, ok := parseRunID(r.PathValue("run_id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	var req model.ReleaseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	user, err := h.currentUser(r)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	subset, cost, err := h.pipeline.Release(r.Context(), user, job.ID, runID, req)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	run, err := h.db.GetRun(r.Context(), job.ID, runID)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, releaseResponse{
		Run:      run,
		Cost:     cost,
		Analyses: subset.Aggregate(),
	})
}

// HandleAnalyses handles GET /v1/jobs/{job_id}/runs/{run_id}/analyses.
// Lists the analyses available in the run's sanitized results with their
// release cost, for building a selection.
func (h *Handlers) HandleAnalyses(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(r.Context(), ClaimsFromContext(r.Context()), r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	runID, ok := parseRunID(r.PathValue("run_id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	analyses, err := h.pipeline.Analyses(r.Context(), job.ID, runID)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, analyses)
}

// HandleSanitizedResults handles GET .../results: raw sanitized CSV.
func (h *Handlers) HandleSanitizedResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(r.Context(), ClaimsFromContext(r.Context()), r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	runID, ok := parseRunID(r.PathValue("run_id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	if err := h.results.StreamSanitized(r.Context(), job.ID, runID, w); err != nil {
		if errors.Is(err, results.ErrNoResults) {
			// Headers not written yet for the error path only if nothing
			// streamed; ErrNoResults is detected before any bytes are sent.
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
			return
		}
		h.logger.Error("stream sanitized results failed",
			"job_id", job.ID, "run_id", runID, "error", err)
	}
}

// HandleReleasedResults handles GET .../released. With ?presign=1 it
// returns a time-limited download URL instead of the CSV body.
func (h *Handlers) HandleReleasedResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(r.Context(), ClaimsFromContext(r.Context()), r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	runID, ok := parseRunID(r.PathValue("run_id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	if r.URL.Query().Get("presign") == "1" {
		url, err := h.results.PresignReleased(r.Context(), job.ID, runID, h.presignTTL)
		if err != nil {
			mapDomainError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, struct {
			URL       string `json:"url"`
			ExpiresIn int64  `json:"expires_in_seconds"`
		}{URL: url, ExpiresIn: int64(h.presignTTL.Seconds())})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	if err := h.results.StreamReleased(r.Context(), job.ID, runID, w); err != nil {
		if errors.Is(err, results.ErrNoResults) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
			return
		}
		h.logger.Error("stream released results failed",
			"job_id", job.ID, "run_id", runID, "error", err)
	}
}
