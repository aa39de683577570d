package models

import "time"

// Role mirrors a role owned by the external identity service. Rows are only
// ever written by replicated sync events, never authored locally.
type Role struct {
	ID          int64     `json:"id" db:"id"`                   // Local surrogate key
	ExternalID  int64     `json:"role_id" db:"external_id"`     // Identity-service role ID, stable across services
	Name        string    `json:"name" db:"name"`               // Role name (e.g., "approver")
	System      string    `json:"system" db:"system"`           // Owning system of the role
	Description string    `json:"description" db:"description"` // Free-form description
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// RoleMembership is one user's membership in a mirrored Role.
// Unique per (role, user); is_active=false keeps history but excludes the
// user from round-robin allocation.
type RoleMembership struct {
	ID          int64     `json:"id" db:"id"`
	RoleID      int64     `json:"role_id" db:"role_id"`           // Foreign key to Role (local ID)
	ExternalID  int64     `json:"user_system_role_id" db:"external_id"` // Identity-service membership ID
	UserID      int64     `json:"user_id" db:"user_id"`
	DisplayName string    `json:"user_full_name" db:"display_name"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	Settings    string    `json:"settings,omitempty" db:"settings"` // Raw JSON settings blob from the identity service
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
