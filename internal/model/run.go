package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a computation run.
//
//	created → submitted → (released | failed)
//
// created is entered at construction. submitted means the external engine
// accepted the trigger. released is terminal and entered only through the
// release pipeline. failed means the trigger was rejected; a failed run
// charges no budget.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateSubmitted RunState = "submitted"
	RunStateReleased  RunState = "released"
	RunStateFailed    RunState = "failed"
)

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s RunState) CanTransition(next RunState) bool {
	switch s {
	case RunStateCreated:
		return next == RunStateSubmitted || next == RunStateFailed
	case RunStateSubmitted:
		return next == RunStateReleased || next == RunStateFailed
	default:
		return false
	}
}

// Run is one computation attempt of a job. RunID is 1-based and strictly
// increasing per job. ComputeSensitivities is derived solely from
// RunID == 1 and never set independently.
type Run struct {
	ID                   uuid.UUID `json:"id"`
	JobID                uuid.UUID `json:"job_id"`
	RunID                int       `json:"run_id"`
	Status               RunState  `json:"status"`
	ComputeSensitivities bool      `json:"compute_sensitivities"`
	ErrorDetail          *string   `json:"error_detail,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}
