package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/stojanov/flowline/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint
// (e.g., a second Task for the same (ticket, workflow) pair).
var ErrDuplicate = errors.New("duplicate")

// Store defines the persistence operations for the workflow engine.
// Begin returns a transactional Store; Commit/Rollback apply to it.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Identity mirror operations
	UpsertRole(r models.Role) (int64, error)
	DeleteRole(externalID int64, system string) error
	GetRole(externalID int64, system string) (models.Role, error)
	UpsertMembership(m models.RoleMembership) (int64, error)
	DeleteMembership(roleID, userID int64) error
	GetMembership(id int64) (models.RoleMembership, error)
	ListActiveMemberships(roleName string) ([]models.RoleMembership, error)

	// Workflow graph operations
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	FindWorkflowForTicket(department, category string) (models.Workflow, error)
	ListSteps(workflowID int64) ([]models.Step, error)
	GetStep(id int64) (models.Step, error)
	GetStartStep(workflowID int64) (models.Step, error)
	GetTransitionFrom(workflowID, fromStepID int64) (models.StepTransition, error)
	SumStepWeights(workflowID int64) (float64, error)

	// Task operations
	SaveTask(t models.Task) (int64, error)
	GetTask(id int64) (models.Task, error)
	GetTaskForUpdate(id int64) (models.Task, error)
	GetTaskByTicket(ticketRef string, workflowID int64) (models.Task, error)
	UpdateTaskStep(id int64, currentStepID *int64, status models.TaskStatus) error
	SetTaskOwnerItem(id int64, itemID string) error
	DeleteTaskByTicket(ticketRef string, workflowID int64) error

	// Allocation operations
	NextAssignmentCursor(roleName string) (int64, error)
	SaveTaskItem(item models.TaskItem) error
	GetTaskItem(id string) (models.TaskItem, error)
	ListOpenTaskItems(taskID, stepID int64) ([]models.TaskItem, error)
	MarkTaskItemActed(id string, at time.Time) error
	AppendTaskItemHistory(h models.TaskItemHistory) error
	LatestTaskItemHistory(taskItemID string) (models.TaskItemHistory, error)

	// Ticket allocation guard
	IsTicketAllocated(ticketRef string) (bool, error)
	MarkTicketAllocated(ticketRef string) error

	// Notification retry bucket
	SaveFailedNotification(n models.FailedNotification) (int64, error)
	GetFailedNotification(id int64) (models.FailedNotification, error)
	ListRetryableNotifications(maxAge time.Duration, limit int, force bool) ([]models.FailedNotification, error)
	UpdateFailedNotification(n models.FailedNotification) error

	// Audit trail
	SaveAuditLog(l models.AuditLog) error
}
