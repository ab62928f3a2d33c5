package models

import "time"

// CourseStatus is the lifecycle state of a course. Statuses are monotone
// except the deferred→running transition taken when a continuation resumes
// a deferred concierge turn.
type CourseStatus string

const (
	CourseStatusQueued   CourseStatus = "queued"
	CourseStatusRunning  CourseStatus = "running"
	CourseStatusSuccess  CourseStatus = "success"
	CourseStatusFailed   CourseStatus = "failed"
	CourseStatusDeferred CourseStatus = "deferred"
)

// Terminal reports whether the status admits no further transitions.
func (s CourseStatus) Terminal() bool {
	return s == CourseStatusSuccess || s == CourseStatusFailed
}

// CourseTrigger records what started a course.
type CourseTrigger string

const (
	TriggerManual       CourseTrigger = "manual"
	TriggerSchedule     CourseTrigger = "schedule"
	TriggerAPI          CourseTrigger = "api"
	TriggerWebhook      CourseTrigger = "webhook"
	TriggerContinuation CourseTrigger = "continuation"
)

// Course is one execution of a fiche over a thread. Continuations form a
// chain through ContinuationOfCourseID; the unique constraint on that column
// guarantees at most one successor per course.
type Course struct {
	ID                     int64         `json:"id"`
	OwnerID                int64         `json:"owner_id"`
	FicheID                int64         `json:"fiche_id"`
	ThreadID               int64         `json:"thread_id"`
	Status                 CourseStatus  `json:"status"`
	Trigger                CourseTrigger `json:"trigger"`
	TraceID                string        `json:"trace_id"`
	ContinuationOfCourseID *int64        `json:"continuation_of_course_id,omitempty"`
	StartedAt              *time.Time    `json:"started_at,omitempty"`
	FinishedAt             *time.Time    `json:"finished_at,omitempty"`
	DurationMS             *int64        `json:"duration_ms,omitempty"`
	TotalTokens            int64         `json:"total_tokens"`
	TotalCostUSD           float64       `json:"total_cost_usd"`
	Summary                string        `json:"summary,omitempty"`
	Error                  string        `json:"error,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// CourseEvent is one entry in a course's append-only event log. Seq values
// are strictly increasing per course starting at 1 and drive SSE resumption.
type CourseEvent struct {
	ID        int64     `json:"id"`
	CourseID  int64     `json:"course_id"`
	Seq       int64     `json:"seq"`
	EventType string    `json:"event_type"`
	Payload   JSONMap   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
