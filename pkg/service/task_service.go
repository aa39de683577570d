package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/storage"
)

// TaskService is the task state machine: it binds tickets to workflows,
// walks tasks across the workflow graph one step at a time, and invokes the
// allocator at every transition.
type TaskService struct {
	store     storage.Store
	allocator *Allocator
	notifier  Notifier
	audit     *AuditService
	logger    Logger
	now       func() time.Time
}

func NewTaskService(store storage.Store, allocator *Allocator, notifier Notifier, audit *AuditService, logger Logger) *TaskService {
	return &TaskService{
		store:     store,
		allocator: allocator,
		notifier:  notifier,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// IngestTicket matches an inbound ticket to a workflow by department and
// category and creates a task against it.
func (s *TaskService) IngestTicket(ev models.TicketEvent) (models.Task, error) {
	wf, err := s.store.FindWorkflowForTicket(ev.Department, ev.Category)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Task{}, errors.Wrapf(err, "no assignable workflow for department %q category %q", ev.Department, ev.Category)
		}
		return models.Task{}, err
	}
	return s.CreateTask(ev, wf.ID)
}

// CreateTask creates a task for (ticket, workflow) and staffs its start
// step. A second call for the same pair fails with DuplicateTaskError and
// leaves no second row, so retried ticket deliveries are harmless.
func (s *TaskService) CreateTask(ev models.TicketEvent, workflowID int64) (task models.Task, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.Task{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	task, err = s.createTask(txStore, ev, workflowID)
	return task, err
}

// createTask does the work inside the caller's transaction. Staffing the
// start step is best-effort: an unstaffed or partially staffed task is still
// created and reconciled later, matching the manual-assignment semantics.
func (s *TaskService) createTask(st storage.Store, ev models.TicketEvent, workflowID int64) (models.Task, error) {
	wf, err := st.GetWorkflow(workflowID)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "resolve workflow %d", workflowID)
	}

	if _, err := st.GetTaskByTicket(ev.TicketNumber, workflowID); err == nil {
		return models.Task{}, &DuplicateTaskError{TicketRef: ev.TicketNumber, WorkflowID: workflowID}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Task{}, err
	}

	start, err := st.GetStartStep(workflowID)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "resolve start step of workflow %d", workflowID)
	}

	task := models.Task{
		TicketRef:       ev.TicketNumber,
		TicketPriority:  models.ParsePriority(ev.Priority),
		WorkflowID:      workflowID,
		WorkflowVersion: wf.Version,
		CurrentStepID:   &start.ID,
		Status:          models.PendingTaskStatus,
	}
	id, err := st.SaveTask(task)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Task{}, &DuplicateTaskError{TicketRef: ev.TicketNumber, WorkflowID: workflowID}
		}
		return models.Task{}, err
	}
	task.ID = id

	if _, err := s.allocator.AssignUsersForStep(st, task, wf, start); err != nil {
		s.logger.Errorf("Failed to staff start step %d of task %d: %v", start.ID, id, err)
	}

	s.audit.LogTaskAction(0, id, "task.create", "task created from ticket "+ev.TicketNumber, map[string]interface{}{
		"workflow_id": workflowID,
		"step_id":     start.ID,
		"priority":    string(task.TicketPriority),
	})
	s.logger.Infof("Created task %d for ticket %s on workflow %d (step %d)", id, ev.TicketNumber, workflowID, start.ID)
	return task, nil
}

// Advance moves a task to the next step. The task row is locked for the
// duration, so two concurrent advances for the same task serialize. A step
// with no outgoing transition fails with NoTransitionError and the task
// stays put. The next step is staffed before current_step moves, so an
// assignment failure never leaves the task pointing at an unstaffed step.
func (s *TaskService) Advance(taskID, actorUserID int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	task, err := txStore.GetTaskForUpdate(taskID)
	if err != nil {
		return errors.Wrapf(err, "load task %d", taskID)
	}
	if task.CurrentStepID == nil {
		return errors.Errorf("task %d is already completed", taskID)
	}
	currentStepID := *task.CurrentStepID

	tr, err := txStore.GetTransitionFrom(task.WorkflowID, currentStepID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Infof("Task %d has no transition from step %d; staying put", taskID, currentStepID)
			return &NoTransitionError{TaskID: taskID, StepID: currentStepID}
		}
		return err
	}

	// Resolve the current step's open items before moving on.
	if err := s.resolveOpenItems(txStore, task, currentStepID, actorUserID); err != nil {
		return err
	}

	if tr.ToStepID == nil {
		// Terminal edge: the task is done.
		if err := txStore.UpdateTaskStep(taskID, nil, models.CompletedTaskStatus); err != nil {
			return errors.Wrapf(err, "complete task %d", taskID)
		}
		s.notifyCompletion(txStore, task)
		s.audit.LogTaskAction(actorUserID, taskID, "task.complete", "workflow finished", nil)
		s.logger.Infof("Task %d completed (ticket %s)", taskID, task.TicketRef)
		return nil
	}

	wf, err := txStore.GetWorkflow(task.WorkflowID)
	if err != nil {
		return errors.Wrapf(err, "resolve workflow %d", task.WorkflowID)
	}
	next, err := txStore.GetStep(*tr.ToStepID)
	if err != nil {
		return errors.Wrapf(err, "resolve step %d", *tr.ToStepID)
	}

	// Staff the next step first; if allocation errors the transaction rolls
	// back and current_step never moves.
	if _, err := s.allocator.AssignUsersForStep(txStore, task, wf, next); err != nil {
		return errors.Wrapf(err, "staff step %d for task %d", next.ID, taskID)
	}
	if err := txStore.UpdateTaskStep(taskID, &next.ID, models.PendingTaskStatus); err != nil {
		return errors.Wrapf(err, "move task %d to step %d", taskID, next.ID)
	}

	s.audit.LogTaskAction(actorUserID, taskID, "task.advance", "", map[string]interface{}{
		"from_step": currentStepID,
		"to_step":   next.ID,
	})
	s.logger.Infof("Advanced task %d from step %d to step %d", taskID, currentStepID, next.ID)
	return nil
}

func (s *TaskService) resolveOpenItems(st storage.Store, task models.Task, stepID, actorUserID int64) error {
	items, err := st.ListOpenTaskItems(task.ID, stepID)
	if err != nil {
		return errors.Wrapf(err, "list open items of task %d", task.ID)
	}
	now := s.now()
	for _, item := range items {
		if err := st.MarkTaskItemActed(item.ID, now); err != nil {
			return errors.Wrapf(err, "mark item %s acted", item.ID)
		}
		status := models.ResolvedItemStatus
		if item.TargetResolution != nil && now.After(*item.TargetResolution) {
			status = models.BreachedItemStatus
		}
		if err := st.AppendTaskItemHistory(models.TaskItemHistory{
			TaskItemID: item.ID,
			Status:     status,
			CreatedAt:  now,
		}); err != nil {
			return errors.Wrapf(err, "append history for item %s", item.ID)
		}
	}
	return nil
}

func (s *TaskService) notifyCompletion(st storage.Store, task models.Task) {
	if task.OwnerItemID == nil {
		return
	}
	item, err := st.GetTaskItem(*task.OwnerItemID)
	if err != nil {
		s.logger.Errorf("Failed to resolve owner item %s of task %d: %v", *task.OwnerItemID, task.ID, err)
		return
	}
	s.notifier.NotifyAssignment(st, item.UserID, item, "Ticket "+task.TicketRef+" resolved")
}

// ManuallyAssign allocates a ticket to a workflow as an administrative
// command. It is an idempotent no-op when the ticket is already allocated or
// the workflow is not in the initialized state. On success any stale task
// for the ticket is replaced by a fresh one at the start step and a ticket
// owner is drawn from the coordinator role. Owner or step staffing failures
// are logged, not rolled back: the task may exist understaffed and is
// reconciled later.
func (s *TaskService) ManuallyAssign(ticketRef string, workflowID int64, actorUserID int64) (assigned bool, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return false, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	allocated, err := txStore.IsTicketAllocated(ticketRef)
	if err != nil {
		return false, err
	}
	if allocated {
		s.logger.Infof("Ticket %s is already allocated; manual assign is a no-op", ticketRef)
		return false, nil
	}

	wf, err := txStore.GetWorkflow(workflowID)
	if err != nil {
		return false, errors.Wrapf(err, "resolve workflow %d", workflowID)
	}
	if wf.Status != models.InitializedWorkflowStatus {
		s.logger.Infof("Workflow %d is %s, not INITIALIZED; manual assign refused", workflowID, wf.Status)
		return false, nil
	}

	// Replace any stale task left over from a previous allocation attempt.
	if err := txStore.DeleteTaskByTicket(ticketRef, workflowID); err != nil {
		return false, errors.Wrapf(err, "delete stale task for ticket %s", ticketRef)
	}

	task, err := s.createTask(txStore, models.TicketEvent{
		TicketNumber: ticketRef,
		Department:   wf.Department,
		Category:     wf.Category,
	}, workflowID)
	if err != nil {
		return false, err
	}

	if task.CurrentStepID != nil {
		if _, ownerErr := s.allocator.AssignTicketOwner(txStore, task, *task.CurrentStepID); ownerErr != nil {
			s.logger.Errorf("Failed to assign ticket owner for task %d: %v", task.ID, ownerErr)
		}
	}

	if err := txStore.MarkTicketAllocated(ticketRef); err != nil {
		return false, errors.Wrapf(err, "mark ticket %s allocated", ticketRef)
	}

	s.audit.LogTaskAction(actorUserID, task.ID, "task.manual_assign", "manual allocation of ticket "+ticketRef, map[string]interface{}{
		"workflow_id": workflowID,
	})
	s.logger.Infof("Manually assigned ticket %s to workflow %d as task %d", ticketRef, workflowID, task.ID)
	return true, nil
}

// StartWork records that the assignee picked a work item up: an IN_PROGRESS
// ledger entry on the item, and the task moves to IN_PROGRESS while it sits
// on a step. Only the item's holder can start it.
func (s *TaskService) StartWork(taskItemID string, actorUserID int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	item, err := txStore.GetTaskItem(taskItemID)
	if err != nil {
		return errors.Wrapf(err, "load task item %s", taskItemID)
	}
	if item.ActedOn != nil {
		return errors.Errorf("task item %s is already closed", taskItemID)
	}
	if item.UserID != actorUserID {
		return errors.Errorf("user %d does not hold item %s", actorUserID, taskItemID)
	}

	now := s.now()
	if err := txStore.AppendTaskItemHistory(models.TaskItemHistory{
		TaskItemID: item.ID,
		Status:     models.InProgressItemStatus,
		CreatedAt:  now,
	}); err != nil {
		return errors.Wrapf(err, "append history for item %s", item.ID)
	}

	task, err := txStore.GetTask(item.TaskID)
	if err != nil {
		return errors.Wrapf(err, "load task %d", item.TaskID)
	}
	if task.CurrentStepID != nil && task.Status == models.PendingTaskStatus {
		if err := txStore.UpdateTaskStep(task.ID, task.CurrentStepID, models.InProgressTaskStatus); err != nil {
			return errors.Wrapf(err, "mark task %d in progress", task.ID)
		}
	}

	s.audit.LogAction(actorUserID, "task_item.start", "task_item", item.ID, nil, "work item picked up")
	s.logger.Infof("User %d started work on item %s (task %d)", actorUserID, item.ID, item.TaskID)
	return nil
}

// Transfer moves an open work item to another active member of its role.
// The original item is closed with a REASSIGNED ledger entry.
func (s *TaskService) Transfer(taskItemID string, toUserID, actorUserID int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	item, err := txStore.GetTaskItem(taskItemID)
	if err != nil {
		return errors.Wrapf(err, "load task item %s", taskItemID)
	}
	if item.ActedOn != nil {
		return errors.Errorf("task item %s is already closed", taskItemID)
	}

	members, err := txStore.ListActiveMemberships(item.RoleName)
	if err != nil {
		return errors.Wrapf(err, "list members of role %s", item.RoleName)
	}
	var target *models.RoleMembership
	for i, m := range members {
		if m.UserID == toUserID {
			target = &members[i]
			break
		}
	}
	if target == nil {
		return errors.Errorf("user %d is not an active member of role %s", toUserID, item.RoleName)
	}

	now := s.now()
	if err := txStore.MarkTaskItemActed(item.ID, now); err != nil {
		return errors.Wrapf(err, "close item %s", item.ID)
	}
	if err := txStore.AppendTaskItemHistory(models.TaskItemHistory{
		TaskItemID: item.ID,
		Status:     models.ReassignedItemStatus,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	replacement := item
	replacement.ID = uuid.NewString()
	replacement.MembershipID = target.ID
	replacement.UserID = target.UserID
	replacement.AssignedOn = now
	replacement.ActedOn = nil
	if err := txStore.SaveTaskItem(replacement); err != nil {
		return errors.Wrapf(err, "save transferred item for user %d", toUserID)
	}
	if err := txStore.AppendTaskItemHistory(models.TaskItemHistory{
		TaskItemID: replacement.ID,
		Status:     models.NewItemStatus,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	s.audit.LogAction(actorUserID, "task_item.transfer", "task_item", item.ID, map[string]interface{}{
		"from_user": item.UserID,
		"to_user":   toUserID,
	}, "work item transferred")
	task, err := txStore.GetTask(item.TaskID)
	if err == nil {
		s.notifier.NotifyAssignment(txStore, toUserID, replacement, "Ticket "+task.TicketRef)
	}
	s.logger.Infof("Transferred item %s from user %d to user %d", item.ID, item.UserID, toUserID)
	return nil
}

// Escalate staffs the current step's escalation role onto the task and
// records ESCALATED on the step's open items. Steps without an escalation
// role cannot be escalated.
func (s *TaskService) Escalate(taskID, actorUserID int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	task, err := txStore.GetTaskForUpdate(taskID)
	if err != nil {
		return errors.Wrapf(err, "load task %d", taskID)
	}
	if task.CurrentStepID == nil {
		return errors.Errorf("task %d is already completed", taskID)
	}
	step, err := txStore.GetStep(*task.CurrentStepID)
	if err != nil {
		return errors.Wrapf(err, "resolve step %d", *task.CurrentStepID)
	}
	if step.EscalateTo == nil || *step.EscalateTo == "" {
		return errors.Errorf("step %d has no escalation role", step.ID)
	}

	now := s.now()
	items, err := txStore.ListOpenTaskItems(taskID, step.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := txStore.AppendTaskItemHistory(models.TaskItemHistory{
			TaskItemID: item.ID,
			Status:     models.EscalatedItemStatus,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
	}

	escalationStep := step
	escalationStep.RoleName = *step.EscalateTo
	wf, err := txStore.GetWorkflow(task.WorkflowID)
	if err != nil {
		return err
	}
	if _, err := s.allocator.AssignUsersForStep(txStore, task, wf, escalationStep); err != nil {
		return errors.Wrapf(err, "staff escalation role %s for task %d", *step.EscalateTo, taskID)
	}

	s.audit.LogTaskAction(actorUserID, taskID, "task.escalate", "escalated to role "+*step.EscalateTo, map[string]interface{}{
		"step_id": step.ID,
	})
	s.logger.Infof("Escalated task %d on step %d to role %s", taskID, step.ID, *step.EscalateTo)
	return nil
}

// GetTask returns a task with its work items.
func (s *TaskService) GetTask(taskID int64) (models.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "get task %d", taskID)
	}
	return task, nil
}
