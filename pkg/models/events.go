package models

import "encoding/json"

// SyncAction tags a replicated identity event with its intent.
type SyncAction string

const (
	CreateSyncAction SyncAction = "create"
	UpdateSyncAction SyncAction = "update"
	DeleteSyncAction SyncAction = "delete"
)

// RoleEvent is a replicated role change from the external identity service.
// Delivery may be duplicated or reordered; application must be idempotent.
type RoleEvent struct {
	RoleID      int64      `json:"role_id"`
	Name        string     `json:"name"`
	System      string     `json:"system"`
	Description string     `json:"description"`
	Action      SyncAction `json:"action"`
}

// MembershipEvent is a replicated role-membership change.
type MembershipEvent struct {
	UserSystemRoleID int64           `json:"user_system_role_id"`
	UserID           int64           `json:"user_id"`
	UserFullName     string          `json:"user_full_name"`
	RoleID           int64           `json:"role_id"` // Identity-service role ID
	System           string          `json:"system"`
	IsActive         bool            `json:"is_active"`
	Settings         json.RawMessage `json:"settings,omitempty"`
	Action           SyncAction      `json:"action"`
}

// TicketEvent is an inbound ticket from the external ticketing service.
// Department and Category select the workflow the task is created against.
type TicketEvent struct {
	TicketNumber string `json:"ticket_number"`
	Title        string `json:"title,omitempty"`
	Department   string `json:"department"`
	Category     string `json:"category"`
	Priority     string `json:"priority"`
}
