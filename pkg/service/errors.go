package service

import "fmt"

// DuplicateTaskError is returned when a task already exists for a
// (ticket, workflow) pair. Retried ticket deliveries hit this path.
type DuplicateTaskError struct {
	TicketRef  string
	WorkflowID int64
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task already exists for ticket %s in workflow %d", e.TicketRef, e.WorkflowID)
}

// NoTransitionError is returned by Advance when the current step has no
// outgoing transition. The task is left untouched.
type NoTransitionError struct {
	TaskID int64
	StepID int64
}

func (e *NoTransitionError) Error() string {
	return fmt.Sprintf("no transition from step %d for task %d", e.StepID, e.TaskID)
}

// UnknownRoleError is returned when a membership event references a role the
// mirror has not seen yet. The consumer logs and drops the event; the
// producer resends role-create before retrying.
type UnknownRoleError struct {
	RoleID int64
	System string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %d in system %s", e.RoleID, e.System)
}
