package models

import "time"

// FicheStatus tracks whether a fiche currently has a running course.
type FicheStatus string

const (
	FicheStatusIdle    FicheStatus = "idle"
	FicheStatusRunning FicheStatus = "running"
	FicheStatusError   FicheStatus = "error"
)

// Fiche is a configured agent: instructions, model, tool allowlist, and an
// optional cron schedule. Deleting a fiche cascades through its threads,
// messages, and courses.
type Fiche struct {
	ID                 int64       `json:"id"`
	OwnerID            int64       `json:"owner_id"`
	Name               string      `json:"name"`
	SystemInstructions string      `json:"system_instructions"`
	TaskInstructions   string      `json:"task_instructions,omitempty"`
	Model              string      `json:"model"`
	ReasoningEffort    string      `json:"reasoning_effort,omitempty"`
	AllowedTools       StringList  `json:"allowed_tools,omitempty"`
	Config             JSONMap     `json:"config,omitempty"`
	Schedule           *string     `json:"schedule,omitempty"`
	Status             FicheStatus `json:"status"`
	IsConcierge        bool        `json:"is_concierge"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// CreateFicheRequest contains fields for creating a fiche.
type CreateFicheRequest struct {
	Name               string     `json:"name"`
	SystemInstructions string     `json:"system_instructions"`
	TaskInstructions   string     `json:"task_instructions,omitempty"`
	Model              string     `json:"model,omitempty"`
	ReasoningEffort    string     `json:"reasoning_effort,omitempty"`
	AllowedTools       StringList `json:"allowed_tools,omitempty"`
	Config             JSONMap    `json:"config,omitempty"`
	Schedule           *string    `json:"schedule,omitempty"`
}

// UpdateFicheRequest contains the mutable fields of a fiche. Nil pointers
// leave the current value untouched.
type UpdateFicheRequest struct {
	Name               *string     `json:"name,omitempty"`
	SystemInstructions *string     `json:"system_instructions,omitempty"`
	TaskInstructions   *string     `json:"task_instructions,omitempty"`
	Model              *string     `json:"model,omitempty"`
	ReasoningEffort    *string     `json:"reasoning_effort,omitempty"`
	AllowedTools       *StringList `json:"allowed_tools,omitempty"`
	Config             *JSONMap    `json:"config,omitempty"`
	Schedule           *string     `json:"schedule,omitempty"`
}
