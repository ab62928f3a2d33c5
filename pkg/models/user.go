// Package models contains the business domain types and the request/response
// models shared by the services and the HTTP API.
package models

import "time"

// UserRole determines the authorization scope of a user.
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// User is an authenticated principal. Every fiche, thread, course, commis
// job, and runner is owned by exactly one user.
type User struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	Role            UserRole  `json:"role"`
	Provider        string    `json:"provider,omitempty"`
	ProviderSubject string    `json:"provider_subject,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the ADMIN role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// DeviceToken authenticates an ingest agent device. The raw token is
// returned exactly once at creation; only its hash is stored.
type DeviceToken struct {
	ID         int64      `json:"id"`
	OwnerID    int64      `json:"owner_id"`
	DeviceID   string     `json:"device_id"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
