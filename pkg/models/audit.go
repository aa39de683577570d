package models

import "time"

// AuditLog is an append-only record of a mutating engine action. The engine
// only ever writes audit rows; nothing in it reads them back.
type AuditLog struct {
	ID          int64     `json:"id" db:"id"`
	UserID      int64     `json:"user_id" db:"user_id"` // Acting user, 0 for system actions
	Action      string    `json:"action" db:"action"`   // e.g., "task.create", "task.advance"
	TargetType  string    `json:"target_type" db:"target_type"`
	TargetID    string    `json:"target_id" db:"target_id"`
	Changes     string    `json:"changes,omitempty" db:"changes"` // JSON-encoded field changes
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
