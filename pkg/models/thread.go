package models

import "time"

// ThreadType records what kind of actor drives a thread.
type ThreadType string

const (
	ThreadTypeManual    ThreadType = "manual"
	ThreadTypeSchedule  ThreadType = "schedule"
	ThreadTypeWorkflow  ThreadType = "workflow"
	ThreadTypeConcierge ThreadType = "concierge"
	ThreadTypeCommis    ThreadType = "commis"
)

// Thread is an ordered conversation bound to one fiche. The fiche never
// changes after creation; one thread may host many courses over time.
type Thread struct {
	ID         int64      `json:"id"`
	OwnerID    int64      `json:"owner_id"`
	FicheID    int64      `json:"fiche_id"`
	Title      string     `json:"title,omitempty"`
	Type       ThreadType `json:"type"`
	FicheState JSONMap    `json:"fiche_state,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// UpdateThreadRequest contains the mutable fields of a thread.
type UpdateThreadRequest struct {
	Title *string `json:"title,omitempty"`
}
