package veil

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's access role on the server.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleResearcher  Role = "researcher"
	RoleDataSteward Role = "datasteward"
	RoleDeveloper   Role = "developer"
	RoleEngine      Role = "engine"
)

// User is a Veil account.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUserRequest is the payload for creating a user. Admin only.
type CreateUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      Role   `json:"role"`
	APIKey    string `json:"api_key"`
}

// Budget holds a user's two privacy allowances, in epsilon units.
type Budget struct {
	UserID  uuid.UUID `json:"user_id"`
	Review  float64   `json:"review"`
	Release float64   `json:"release"`
}

// BudgetPatch overrides one or both balances. Nil fields are untouched.
// Requires the datasteward or admin role.
type BudgetPatch struct {
	Review  *float64 `json:"review,omitempty"`
	Release *float64 `json:"release,omitempty"`
}

// JobStatus is the free-form status blob attached to jobs.
type JobStatus struct {
	OK       bool    `json:"ok"`
	Info     string  `json:"info"`
	ErrorMsg *string `json:"errormsg"`
}

// Job is a statistical job submitted against a dataset.
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

// CreateJobRequest is the payload for submitting a new job.
type CreateJobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DatasetID   string `json:"dataset_id"`
}

// RunState is the lifecycle state of a computation run.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateSubmitted RunState = "submitted"
	RunStateReleased  RunState = "released"
	RunStateFailed    RunState = "failed"
)

// Run is one computation attempt of a job. RunID is 1-based per job.
type Run struct {
	ID                   uuid.UUID `json:"id"`
	JobID                uuid.UUID `json:"job_id"`
	RunID                int       `json:"run_id"`
	Status               RunState  `json:"status"`
	ComputeSensitivities bool      `json:"compute_sensitivities"`
	ErrorDetail          *string   `json:"error_detail,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// CreateJobResult pairs a newly created job with its first run.
type CreateJobResult struct {
	Job Job `json:"job"`
	Run Run `json:"run"`
}

// Epsilon is a per-statistic privacy cost override for a refinement.
type Epsilon struct {
	StatisticID int     `json:"statistic_id"`
	Epsilon     float64 `json:"epsilon"`
}

// AnalysisCost is the per-analysis epsilon total derived from a run's
// sanitized results.
type AnalysisCost struct {
	AnalysisID   int     `json:"analysis_id"`
	AnalysisName string  `json:"analysis_name"`
	EpsilonSum   float64 `json:"epsilon_sum"`
}

// ReleaseResult describes a completed release: the run's new state, the
// release-budget charge, and the per-analysis breakdown of what was
// disclosed.
type ReleaseResult struct {
	Run      Run            `json:"run"`
	Cost     float64        `json:"cost"`
	Analyses []AnalysisCost `json:"analyses"`
}

// PresignedURL is a time-limited download link for a released artifact.
type PresignedURL struct {
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

// HealthResponse is the server's health status.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_seconds"`
	Database string `json:"database"`
}
