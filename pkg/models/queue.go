package models

import "time"

// QueueStatus is the lifecycle state of a durable queue entry.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueRunning QueueStatus = "running"
	QueueSuccess QueueStatus = "success"
	QueueFailure QueueStatus = "failure"
	QueueDead    QueueStatus = "dead"
)

// QueueEntry is one durable at-least-once work item. The unique index on
// (job_id, dedupe_key) prevents double-enqueue; leases make claims visible
// to exactly one live worker at a time.
type QueueEntry struct {
	ID             int64       `json:"id"`
	JobID          string      `json:"job_id"`
	DedupeKey      string      `json:"dedupe_key"`
	Payload        JSONMap     `json:"payload,omitempty"`
	ScheduledFor   time.Time   `json:"scheduled_for"`
	Status         QueueStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
