package models

import "time"

// CommisJobStatus is the lifecycle state of a commis job. Created rows are
// the first phase of the spawn commit; they become queued only when the
// parent course's barrier is created.
type CommisJobStatus string

const (
	CommisStatusCreated   CommisJobStatus = "created"
	CommisStatusQueued    CommisJobStatus = "queued"
	CommisStatusRunning   CommisJobStatus = "running"
	CommisStatusSuccess   CommisJobStatus = "success"
	CommisStatusFailed    CommisJobStatus = "failed"
	CommisStatusCancelled CommisJobStatus = "cancelled"
)

// Terminal reports whether the commis job has finished.
func (s CommisJobStatus) Terminal() bool {
	return s == CommisStatusSuccess || s == CommisStatusFailed || s == CommisStatusCancelled
}

// ExecutionMode selects how a commis runs its task.
type ExecutionMode string

const (
	ExecModePlain     ExecutionMode = "plain"
	ExecModeWorkspace ExecutionMode = "workspace"
)

// CommisJob is a subordinate work item spawned by a concierge tool call.
// TraceID inherits the concierge's; the partial unique index on
// (concierge_course_id, tool_call_id) makes spawn retries idempotent.
type CommisJob struct {
	ID                int64           `json:"id"`
	OwnerID           int64           `json:"owner_id"`
	ConciergeCourseID *int64          `json:"concierge_course_id,omitempty"`
	ToolCallID        string          `json:"tool_call_id,omitempty"`
	CommisID          string          `json:"commis_id"`
	Task              string          `json:"task"`
	Model             string          `json:"model,omitempty"`
	ExecutionMode     ExecutionMode   `json:"execution_mode"`
	GitRepo           string          `json:"git_repo,omitempty"`
	Status            CommisJobStatus `json:"status"`
	TraceID           string          `json:"trace_id"`
	ResultSummary     string          `json:"result_summary,omitempty"`
	ArtifactsPath     string          `json:"artifacts_path,omitempty"`
	Error             string          `json:"error,omitempty"`
	Acknowledged      bool            `json:"acknowledged"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CommisBarrier tracks a deferred concierge course and the set of commis
// jobs it still awaits. At most one barrier exists per course; when the set
// empties the barrier is deleted and a continuation is scheduled.
type CommisBarrier struct {
	ID        int64     `json:"id"`
	CourseID  int64     `json:"course_id"`
	JobIDs    Int64List `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
