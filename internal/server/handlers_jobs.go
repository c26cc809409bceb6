package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/veildata/veil/internal/auth"
	"github.com/veildata/veil/internal/authz"
	"github.com/veildata/veil/internal/model"
)

// HandleCreateJob handles POST /v1/jobs. Creating a job charges the flat
// entry cost and submits the first run to the engine.
func (h *Handlers) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	var req model.CreateJobRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	job, run, err := h.pipeline.CreateJob(r.Context(), user, req)
	if err != nil && run.Status != model.RunStateFailed {
		mapDomainError(w, r, h.logger, err)
		return
	}

	// A failed engine trigger still created the job; return it with the
	// failed run so the analyst sees what happened.
	writeJSON(w, r, http.StatusCreated, struct {
		Job model.Job `json:"job"`
		Run model.Run `json:"run"`
	}{Job: job, Run: run})
}

// HandleListJobs handles GET /v1/jobs. Researchers see their own jobs;
// engine, steward and admin see all.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var scope *uuid.UUID
	if !authz.CanViewAllJobs(claims) {
		id, err := claims.UserID()
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
			return
		}
		scope = &id
	}

	jobs, err := h.db.ListJobs(r.Context(), scope)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

// loadJob fetches a job and applies view authorization. Unauthorized access
// reports not-found, indistinguishable from a missing job.
func (h *Handlers) loadJob(ctx context.Context, claims *auth.Claims, jobIDRaw string) (model.Job, bool) {
	jobID, err := uuid.Parse(jobIDRaw)
	if err != nil {
		return model.Job{}, false
	}
	job, err := h.db.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, false
	}
	if !authz.CanViewJob(claims, job.UserID) {
		return model.Job{}, false
	}
	return job, true
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(r.Context(), ClaimsFromContext(r.Context()), r.PathValue("job_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleDeleteJob handles DELETE /v1/jobs/{job_id}. Owner or admin. Runs are
// removed with the job; artifacts in the object store are retained for audit.
func (h *Handlers) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	job, ok := h.loadJob(r.Context(), claims, r.PathValue("job_id"))
	if !ok || !authz.CanActOnJob(claims, job.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	if err := h.db.DeleteJob(r.Context(), job.ID); err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	h.logger.Info("job deleted", "job_id", job.ID, "by", claims.Email)
	w.WriteHeader(http.StatusNoContent)
}

// HandleUploadScript handles POST /v1/jobs/{job_id}/script. The raw request
// body is stored in the object store; the filename comes from the
// X-Filename header and is flattened to its base name.
func (h *Handlers) HandleUploadScript(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	job, ok := h.loadJob(r.Context(), claims, r.PathValue("job_id"))
	if !ok || !authz.CanActOnJob(claims, job.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}

	filename := r.Header.Get("X-Filename")
	if filename == "" {
		filename = "script.R"
	}

	body := http.MaxBytesReader(w, r.Body, h.maxScriptBytes)
	key, err := h.results.PutScript(r.Context(), job.ID, filename, body, r.ContentLength)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "script too large")
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeStorageUnavailable, "script upload failed")
		return
	}

	if err := h.db.SetJobScriptRef(r.Context(), job.ID, key); err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	h.logger.Info("script uploaded", "job_id", job.ID, "key", key)
	writeJSON(w, r, http.StatusCreated, struct {
		ScriptRef string `json:"script_ref"`
	}{ScriptRef: key})
}

// HandleSetJobStatus handles PATCH /v1/jobs/{job_id}/status (engine/admin).
// The engine reports progress and failures out of band through this endpoint.
func (h *Handlers) HandleSetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job_id")
		return
	}

	var status model.JobStatus
	if err := decodeJSON(w, r, &status, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.db.SetJobStatus(r.Context(), jobID, status); err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}
