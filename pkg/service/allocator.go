package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/storage"
)

// DefaultCoordinatorRole is the distinguished role ticket owners are drawn
// from when none is configured.
const DefaultCoordinatorRole = "coordinator"

// Allocator staffs steps by rotating fairly through a role's active members.
// Fairness holds across calls, not just within one: each role keeps a
// persistent cursor advanced atomically in the store, so two concurrent
// allocations for the same role cannot double-assign a user.
type Allocator struct {
	notifier        Notifier
	audit           *AuditService
	logger          Logger
	coordinatorRole string
	now             func() time.Time
}

func NewAllocator(notifier Notifier, audit *AuditService, logger Logger) *Allocator {
	return &Allocator{
		notifier:        notifier,
		audit:           audit,
		logger:          logger,
		coordinatorRole: DefaultCoordinatorRole,
		now:             time.Now,
	}
}

// SetCoordinatorRole overrides the ticket-owner role.
func (a *Allocator) SetCoordinatorRole(role string) {
	if role != "" {
		a.coordinatorRole = role
	}
}

// AssignUsersForStep staffs a step with the next member of its role in
// round-robin order and stamps the SLA target. An empty membership list is
// not an error: the step stays unstaffed for a later reconciliation pass.
// The work runs against st so the caller's transaction covers it.
func (a *Allocator) AssignUsersForStep(st storage.Store, task models.Task, wf models.Workflow, step models.Step) ([]models.TaskItem, error) {
	items, err := a.assignRole(st, task, step.ID, step.RoleName, &wf, &step)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		a.logger.Infof("No active members for role %s; step %d of task %d left unstaffed", step.RoleName, step.ID, task.ID)
	}
	return items, nil
}

// AssignTicketOwner staffs the coordinator role for a task, independently of
// step staffing. No SLA target applies to the owner item.
func (a *Allocator) AssignTicketOwner(st storage.Store, task models.Task, startStepID int64) (*models.TaskItem, error) {
	items, err := a.assignRole(st, task, startStepID, a.coordinatorRole, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		a.logger.Infof("No active members for coordinator role %s; task %d has no ticket owner", a.coordinatorRole, task.ID)
		return nil, nil
	}
	if err := st.SetTaskOwnerItem(task.ID, items[0].ID); err != nil {
		return nil, errors.Wrapf(err, "set owner item on task %d", task.ID)
	}
	return &items[0], nil
}

func (a *Allocator) assignRole(st storage.Store, task models.Task, stepID int64, roleName string, wf *models.Workflow, step *models.Step) ([]models.TaskItem, error) {
	members, err := st.ListActiveMemberships(roleName)
	if err != nil {
		return nil, errors.Wrapf(err, "list members of role %s", roleName)
	}
	if len(members) == 0 {
		return []models.TaskItem{}, nil
	}

	pos, err := st.NextAssignmentCursor(roleName)
	if err != nil {
		return nil, err
	}
	selected := members[pos%int64(len(members))]

	assignedOn := a.now()
	item := models.TaskItem{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		MembershipID: selected.ID,
		UserID:       selected.UserID,
		StepID:       stepID,
		RoleName:     roleName,
		AssignedOn:   assignedOn,
	}
	if wf != nil && step != nil {
		sumWeights, err := st.SumStepWeights(wf.ID)
		if err != nil {
			return nil, err
		}
		target := TargetResolution(*wf, *step, task.TicketPriority, sumWeights, assignedOn)
		item.TargetResolution = &target
	}

	if err := st.SaveTaskItem(item); err != nil {
		return nil, errors.Wrapf(err, "save task item for user %d", selected.UserID)
	}
	if err := st.AppendTaskItemHistory(models.TaskItemHistory{
		TaskItemID: item.ID,
		Status:     models.NewItemStatus,
		CreatedAt:  assignedOn,
	}); err != nil {
		return nil, errors.Wrapf(err, "append history for item %s", item.ID)
	}

	a.audit.LogAction(0, "task_item.create", "task_item", item.ID, map[string]interface{}{
		"task_id": task.ID,
		"user_id": selected.UserID,
		"role":    roleName,
	}, "round-robin assignment")
	a.notifier.NotifyAssignment(st, selected.UserID, item, "Ticket "+task.TicketRef)

	a.logger.Infof("Assigned user %d (role %s, cursor %d) to task %d", selected.UserID, roleName, pos, task.ID)
	return []models.TaskItem{item}, nil
}
