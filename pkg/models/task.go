package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	InProgressTaskStatus TaskStatus = "IN_PROGRESS"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
)

// Task is a running instance of a Workflow bound to one external ticket.
// A nil CurrentStepID means the task is terminal.
type Task struct {
	ID              int64      `json:"id" db:"id"`
	TicketRef       string     `json:"ticket_ref" db:"ticket_ref"` // Owning external ticket number
	TicketPriority  Priority   `json:"ticket_priority" db:"ticket_priority"`
	WorkflowID      int64      `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int        `json:"workflow_version" db:"workflow_version"` // Snapshot at creation
	CurrentStepID   *int64     `json:"current_step_id" db:"current_step_id"`
	Status          TaskStatus `json:"status" db:"status"`
	OwnerItemID     *string    `json:"owner_item_id,omitempty" db:"owner_item_id"` // Coordinator work item
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	Items           []TaskItem `json:"items,omitempty"` // Populated at runtime
}

// TaskItem is one user staffed onto a task at a given step. Immutable once
// created except for ActedOn.
type TaskItem struct {
	ID               string     `json:"id" db:"id"` // UUID
	TaskID           int64      `json:"task_id" db:"task_id"`
	MembershipID     int64      `json:"membership_id" db:"membership_id"` // Allocated RoleMembership
	UserID           int64      `json:"user_id" db:"user_id"`
	StepID           int64      `json:"step_id" db:"step_id"` // Step the user was assigned on
	RoleName         string     `json:"role_name" db:"role_name"`
	AssignedOn       time.Time  `json:"assigned_on" db:"assigned_on"`
	ActedOn          *time.Time `json:"acted_on,omitempty" db:"acted_on"`
	TargetResolution *time.Time `json:"target_resolution,omitempty" db:"target_resolution"` // SLA deadline
}

type ItemStatus string

const (
	NewItemStatus        ItemStatus = "NEW"
	InProgressItemStatus ItemStatus = "IN_PROGRESS"
	EscalatedItemStatus  ItemStatus = "ESCALATED"
	ReassignedItemStatus ItemStatus = "REASSIGNED"
	ResolvedItemStatus   ItemStatus = "RESOLVED"
	BreachedItemStatus   ItemStatus = "BREACHED"
)

// TaskItemHistory is the append-only status ledger of a TaskItem. The
// chronologically last entry is the authoritative current status; timestamps
// are enforced monotonic per item at write time.
type TaskItemHistory struct {
	ID         int64      `json:"id" db:"id"`
	TaskItemID string     `json:"task_item_id" db:"task_item_id"`
	Status     ItemStatus `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
