package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxTitleLen bounds the job title; it flows into object-store key prefixes
// and log lines.
const MaxTitleLen = 255

// JobStatus is the free-form status blob attached to jobs. The external
// engine reports progress and failures by patching it.
type JobStatus struct {
	OK       bool    `json:"ok"`
	Info     string  `json:"info"`
	ErrorMsg *string `json:"errormsg"`
}

// DefaultJobStatus is the status a job carries at creation.
func DefaultJobStatus() JobStatus {
	return JobStatus{OK: true, Info: "job created"}
}

// ReleasedJobStatus is the status a job carries after a successful release.
func ReleasedJobStatus() JobStatus {
	return JobStatus{OK: true, Info: "released"}
}

// Job is a statistical job submitted by a researcher. dataset_id is
// immutable after creation; script_ref points into the blob store and is
// set by the script-upload endpoint.
type Job struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DatasetID   string    `json:"dataset_id"`
	ScriptRef   *string   `json:"script_ref,omitempty"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateJobRequest is the payload for POST /v1/jobs.
type CreateJobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DatasetID   string `json:"dataset_id"`
}

// Validate checks required fields against the configured dataset catalog.
func (r CreateJobRequest) Validate(datasets []string) error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if r.DatasetID == "" {
		return fmt.Errorf("dataset_id is required")
	}
	for _, d := range datasets {
		if r.DatasetID == d {
			return nil
		}
	}
	return fmt.Errorf("unknown dataset_id %q", r.DatasetID)
}
