package models

import "time"

// RunnerStatus is the connectivity state of a remote runner.
type RunnerStatus string

const (
	RunnerStatusOnline  RunnerStatus = "online"
	RunnerStatusOffline RunnerStatus = "offline"
	RunnerStatusRevoked RunnerStatus = "revoked"
)

// Runner is a registered remote executor attached over WebSocket. Only the
// SHA-256 hash of its secret is stored; the plaintext is returned once at
// registration. A runner processes at most one RunnerJob concurrently.
type Runner struct {
	ID             int64        `json:"id"`
	OwnerID        int64        `json:"owner_id"`
	Name           string       `json:"name"`
	Labels         JSONMap      `json:"labels,omitempty"`
	Capabilities   StringList   `json:"capabilities,omitempty"`
	Status         RunnerStatus `json:"status"`
	AuthSecretHash string       `json:"-"`
	LastHeartbeat  *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RunnerEnrollToken is a single-use, time-limited token that authorizes
// registering a new runner. Only its hash is stored.
type RunnerEnrollToken struct {
	ID        int64      `json:"id"`
	OwnerID   int64      `json:"owner_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RunnerJobStatus is the lifecycle state of a dispatched runner job.
type RunnerJobStatus string

const (
	RunnerJobPending   RunnerJobStatus = "pending"
	RunnerJobRunning   RunnerJobStatus = "running"
	RunnerJobSuccess   RunnerJobStatus = "success"
	RunnerJobFailed    RunnerJobStatus = "failed"
	RunnerJobTimeout   RunnerJobStatus = "timeout"
	RunnerJobCancelled RunnerJobStatus = "cancelled"
)

// RunnerJob is one command execution dispatched to a runner. Stdout and
// stderr hold bounded tails; the live stream goes through the output buffer.
type RunnerJob struct {
	ID          string          `json:"id"`
	RunnerID    int64           `json:"runner_id"`
	OwnerID     int64           `json:"owner_id"`
	WorkerID    string          `json:"worker_id,omitempty"`
	CourseID    *int64          `json:"course_id,omitempty"`
	Command     string          `json:"command"`
	TimeoutSecs int             `json:"timeout_secs"`
	Status      RunnerJobStatus `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	StdoutTail  string          `json:"stdout_tail,omitempty"`
	StderrTail  string          `json:"stderr_tail,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
