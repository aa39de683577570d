package models

import "time"

type WorkflowStatus string

const (
	DraftWorkflowStatus       WorkflowStatus = "DRAFT"
	InitializedWorkflowStatus WorkflowStatus = "INITIALIZED"
	DeployedWorkflowStatus    WorkflowStatus = "DEPLOYED"
	PausedWorkflowStatus      WorkflowStatus = "PAUSED"
)

// Assignable reports whether tasks may be created against the workflow.
// Only initialized and deployed workflows accept tasks.
func (s WorkflowStatus) Assignable() bool {
	return s == InitializedWorkflowStatus || s == DeployedWorkflowStatus
}

// Workflow is a versioned process template: a set of Steps connected by
// StepTransitions, plus the SLA window per ticket priority tier.
type Workflow struct {
	ID             int64          `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Department     string         `json:"department" db:"department"` // Ticket routing key, together with Category
	Category       string         `json:"category" db:"category"`
	Status         WorkflowStatus `json:"status" db:"status"`
	Version        int            `json:"version" db:"version"`
	SLAUrgentHours float64        `json:"sla_urgent_hours" db:"sla_urgent_hours"`
	SLAHighHours   float64        `json:"sla_high_hours" db:"sla_high_hours"`
	SLAMediumHours float64        `json:"sla_medium_hours" db:"sla_medium_hours"`
	SLALowHours    float64        `json:"sla_low_hours" db:"sla_low_hours"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	Steps          []Step         `json:"steps,omitempty"` // Populated at runtime
}

// SLAHours returns the workflow's SLA window for a priority tier. An unknown
// or empty priority falls back to the medium tier.
func (w Workflow) SLAHours(p Priority) float64 {
	switch p {
	case UrgentPriority:
		return w.SLAUrgentHours
	case HighPriority:
		return w.SLAHighHours
	case LowPriority:
		return w.SLALowHours
	default:
		return w.SLAMediumHours
	}
}

// Step is one stage of a workflow requiring a specific role to act.
type Step struct {
	ID         int64   `json:"id" db:"id"`
	WorkflowID int64   `json:"workflow_id" db:"workflow_id"`
	Name       string  `json:"name" db:"name"`
	RoleName   string  `json:"role_name" db:"role_name"` // Role required to staff this step
	Weight     float64 `json:"weight" db:"weight"`       // Relative share of the workflow SLA, > 0
	Order      int     `json:"order" db:"step_order"`
	IsStart    bool    `json:"is_start" db:"is_start"`
	IsEnd      bool    `json:"is_end" db:"is_end"`
	EscalateTo *string `json:"escalate_to,omitempty" db:"escalate_to"` // Optional escalation role
}

// StepTransition is a directed edge between steps. A nil FromStepID marks a
// workflow entry edge; a nil ToStepID marks a terminal edge.
type StepTransition struct {
	ID         int64  `json:"id" db:"id"`
	WorkflowID int64  `json:"workflow_id" db:"workflow_id"`
	FromStepID *int64 `json:"from_step_id" db:"from_step_id"`
	ToStepID   *int64 `json:"to_step_id" db:"to_step_id"`
}

// Priority is the ticket priority tier keying the SLA window.
type Priority string

const (
	UrgentPriority Priority = "urgent"
	HighPriority   Priority = "high"
	MediumPriority Priority = "medium"
	LowPriority    Priority = "low"
)

// ParsePriority normalizes a raw priority string, falling back to medium for
// anything unrecognized.
func ParsePriority(raw string) Priority {
	switch Priority(raw) {
	case UrgentPriority, HighPriority, MediumPriority, LowPriority:
		return Priority(raw)
	default:
		return MediumPriority
	}
}
