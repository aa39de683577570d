package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/stojanov/flowline/pkg/models"
)

// MockStore implements Store with in-memory storage for tests. Workflow
// graph rows, which the engine treats as read-mostly configuration authored
// elsewhere, are seeded through SaveWorkflow/SaveStep/SaveTransition.
type MockStore struct {
	roles            []models.Role
	memberships      []models.RoleMembership
	workflows        []models.Workflow
	steps            []models.Step
	transitions      []models.StepTransition
	tasks            []models.Task
	items            []models.TaskItem
	history          []models.TaskItemHistory
	cursors          map[string]int64
	allocatedTickets map[string]bool
	notifications    []models.FailedNotification
	auditLogs        []models.AuditLog
	nextID           int64
}

func NewMockStore() *MockStore {
	return &MockStore{
		cursors:          make(map[string]int64),
		allocatedTickets: make(map[string]bool),
	}
}

func (m *MockStore) Begin() (Store, error) { return m, nil }
func (m *MockStore) Commit() error         { return nil }
func (m *MockStore) Rollback() error       { return nil }
func (m *MockStore) Close() error          { return nil }

func (m *MockStore) nextSeq() int64 {
	m.nextID++
	return m.nextID
}

func (m *MockStore) UpsertRole(r models.Role) (int64, error) {
	for i, existing := range m.roles {
		if existing.ExternalID == r.ExternalID && existing.System == r.System {
			m.roles[i].Name = r.Name
			m.roles[i].Description = r.Description
			m.roles[i].UpdatedAt = time.Now()
			return existing.ID, nil
		}
	}
	r.ID = m.nextSeq()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.roles = append(m.roles, r)
	return r.ID, nil
}

func (m *MockStore) DeleteRole(externalID int64, system string) error {
	for i, r := range m.roles {
		if r.ExternalID == externalID && r.System == system {
			m.roles = append(m.roles[:i], m.roles[i+1:]...)
			return nil
		}
	}
	return nil // Idempotent delete
}

func (m *MockStore) GetRole(externalID int64, system string) (models.Role, error) {
	for _, r := range m.roles {
		if r.ExternalID == externalID && r.System == system {
			return r, nil
		}
	}
	return models.Role{}, ErrNotFound
}

func (m *MockStore) UpsertMembership(mem models.RoleMembership) (int64, error) {
	for i, existing := range m.memberships {
		if existing.RoleID == mem.RoleID && existing.UserID == mem.UserID {
			m.memberships[i].ExternalID = mem.ExternalID
			m.memberships[i].DisplayName = mem.DisplayName
			m.memberships[i].IsActive = mem.IsActive
			m.memberships[i].Settings = mem.Settings
			m.memberships[i].UpdatedAt = time.Now()
			return existing.ID, nil
		}
	}
	mem.ID = m.nextSeq()
	mem.CreatedAt = time.Now()
	mem.UpdatedAt = mem.CreatedAt
	m.memberships = append(m.memberships, mem)
	return mem.ID, nil
}

func (m *MockStore) DeleteMembership(roleID, userID int64) error {
	for i, mem := range m.memberships {
		if mem.RoleID == roleID && mem.UserID == userID {
			m.memberships = append(m.memberships[:i], m.memberships[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MockStore) GetMembership(id int64) (models.RoleMembership, error) {
	for _, mem := range m.memberships {
		if mem.ID == id {
			return mem, nil
		}
	}
	return models.RoleMembership{}, ErrNotFound
}

func (m *MockStore) ListActiveMemberships(roleName string) ([]models.RoleMembership, error) {
	var roleIDs []int64
	for _, r := range m.roles {
		if r.Name == roleName {
			roleIDs = append(roleIDs, r.ID)
		}
	}
	members := []models.RoleMembership{}
	for _, mem := range m.memberships {
		if !mem.IsActive {
			continue
		}
		for _, rid := range roleIDs {
			if mem.RoleID == rid {
				members = append(members, mem)
				break
			}
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (m *MockStore) SaveWorkflow(wf models.Workflow) (int64, error) {
	wf.ID = m.nextSeq()
	wf.CreatedAt = time.Now()
	wf.UpdatedAt = wf.CreatedAt
	m.workflows = append(m.workflows, wf)
	return wf.ID, nil
}

func (m *MockStore) SaveStep(step models.Step) (int64, error) {
	step.ID = m.nextSeq()
	m.steps = append(m.steps, step)
	return step.ID, nil
}

func (m *MockStore) SaveTransition(tr models.StepTransition) (int64, error) {
	tr.ID = m.nextSeq()
	m.transitions = append(m.transitions, tr)
	return tr.ID, nil
}

func (m *MockStore) GetWorkflow(id int64) (models.Workflow, error) {
	for _, wf := range m.workflows {
		if wf.ID == id {
			steps, _ := m.ListSteps(id)
			wf.Steps = steps
			return wf, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *MockStore) ListWorkflows() ([]models.Workflow, error) {
	return m.workflows, nil
}

func (m *MockStore) FindWorkflowForTicket(department, category string) (models.Workflow, error) {
	var best *models.Workflow
	for i, wf := range m.workflows {
		if !strings.EqualFold(wf.Department, department) || !strings.EqualFold(wf.Category, category) {
			continue
		}
		if !wf.Status.Assignable() {
			continue
		}
		if best == nil || wf.Version > best.Version {
			best = &m.workflows[i]
		}
	}
	if best == nil {
		return models.Workflow{}, ErrNotFound
	}
	return *best, nil
}

func (m *MockStore) ListSteps(workflowID int64) ([]models.Step, error) {
	steps := []models.Step{}
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

func (m *MockStore) GetStep(id int64) (models.Step, error) {
	for _, s := range m.steps {
		if s.ID == id {
			return s, nil
		}
	}
	return models.Step{}, ErrNotFound
}

func (m *MockStore) GetStartStep(workflowID int64) (models.Step, error) {
	steps, _ := m.ListSteps(workflowID)
	if len(steps) == 0 {
		return models.Step{}, ErrNotFound
	}
	for _, s := range steps {
		if s.IsStart {
			return s, nil
		}
	}
	return steps[0], nil // Lowest order fallback
}

func (m *MockStore) GetTransitionFrom(workflowID, fromStepID int64) (models.StepTransition, error) {
	var found *models.StepTransition
	for i, tr := range m.transitions {
		if tr.WorkflowID != workflowID || tr.FromStepID == nil || *tr.FromStepID != fromStepID {
			continue
		}
		if found == nil || tr.ID < found.ID {
			found = &m.transitions[i]
		}
	}
	if found == nil {
		return models.StepTransition{}, ErrNotFound
	}
	return *found, nil
}

func (m *MockStore) SumStepWeights(workflowID int64) (float64, error) {
	var sum float64
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			sum += s.Weight
		}
	}
	return sum, nil
}

func (m *MockStore) SaveTask(t models.Task) (int64, error) {
	for _, existing := range m.tasks {
		if existing.TicketRef == t.TicketRef && existing.WorkflowID == t.WorkflowID {
			return 0, ErrDuplicate
		}
	}
	t.ID = m.nextSeq()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

func (m *MockStore) GetTask(id int64) (models.Task, error) {
	for _, t := range m.tasks {
		if t.ID == id {
			for _, item := range m.items {
				if item.TaskID == id {
					t.Items = append(t.Items, item)
				}
			}
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *MockStore) GetTaskForUpdate(id int64) (models.Task, error) {
	return m.GetTask(id)
}

func (m *MockStore) GetTaskByTicket(ticketRef string, workflowID int64) (models.Task, error) {
	for _, t := range m.tasks {
		if t.TicketRef == ticketRef && t.WorkflowID == workflowID {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *MockStore) UpdateTaskStep(id int64, currentStepID *int64, status models.TaskStatus) error {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks[i].CurrentStepID = currentStepID
			m.tasks[i].Status = status
			m.tasks[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.New("task not found")
}

func (m *MockStore) SetTaskOwnerItem(id int64, itemID string) error {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks[i].OwnerItemID = &itemID
			return nil
		}
	}
	return errors.New("task not found")
}

func (m *MockStore) DeleteTaskByTicket(ticketRef string, workflowID int64) error {
	for i, t := range m.tasks {
		if t.TicketRef == ticketRef && t.WorkflowID == workflowID {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MockStore) NextAssignmentCursor(roleName string) (int64, error) {
	if _, ok := m.cursors[roleName]; !ok {
		m.cursors[roleName] = 0
		return 0, nil
	}
	m.cursors[roleName]++
	return m.cursors[roleName], nil
}

func (m *MockStore) SaveTaskItem(item models.TaskItem) error {
	for _, existing := range m.items {
		if existing.ID == item.ID {
			return errors.New("task item already exists")
		}
	}
	m.items = append(m.items, item)
	return nil
}

func (m *MockStore) GetTaskItem(id string) (models.TaskItem, error) {
	for _, item := range m.items {
		if item.ID == id {
			return item, nil
		}
	}
	return models.TaskItem{}, ErrNotFound
}

func (m *MockStore) ListOpenTaskItems(taskID, stepID int64) ([]models.TaskItem, error) {
	items := []models.TaskItem{}
	for _, item := range m.items {
		if item.TaskID == taskID && item.StepID == stepID && item.ActedOn == nil {
			items = append(items, item)
		}
	}
	return items, nil
}

func (m *MockStore) MarkTaskItemActed(id string, at time.Time) error {
	for i, item := range m.items {
		if item.ID == id {
			m.items[i].ActedOn = &at
			return nil
		}
	}
	return errors.New("task item not found")
}

func (m *MockStore) AppendTaskItemHistory(h models.TaskItemHistory) error {
	// Clamp to the latest entry so per-item timestamps stay monotonic.
	if last, err := m.LatestTaskItemHistory(h.TaskItemID); err == nil && h.CreatedAt.Before(last.CreatedAt) {
		h.CreatedAt = last.CreatedAt
	}
	h.ID = m.nextSeq()
	m.history = append(m.history, h)
	return nil
}

func (m *MockStore) LatestTaskItemHistory(taskItemID string) (models.TaskItemHistory, error) {
	var latest *models.TaskItemHistory
	for i, h := range m.history {
		if h.TaskItemID != taskItemID {
			continue
		}
		if latest == nil || h.CreatedAt.After(latest.CreatedAt) ||
			(h.CreatedAt.Equal(latest.CreatedAt) && h.ID > latest.ID) {
			latest = &m.history[i]
		}
	}
	if latest == nil {
		return models.TaskItemHistory{}, ErrNotFound
	}
	return *latest, nil
}

func (m *MockStore) IsTicketAllocated(ticketRef string) (bool, error) {
	return m.allocatedTickets[ticketRef], nil
}

func (m *MockStore) MarkTicketAllocated(ticketRef string) error {
	m.allocatedTickets[ticketRef] = true
	return nil
}

func (m *MockStore) SaveFailedNotification(n models.FailedNotification) (int64, error) {
	n.ID = m.nextSeq()
	n.CreatedAt = time.Now()
	m.notifications = append(m.notifications, n)
	return n.ID, nil
}

func (m *MockStore) GetFailedNotification(id int64) (models.FailedNotification, error) {
	for _, n := range m.notifications {
		if n.ID == id {
			return n, nil
		}
	}
	return models.FailedNotification{}, ErrNotFound
}

func (m *MockStore) ListRetryableNotifications(maxAge time.Duration, limit int, force bool) ([]models.FailedNotification, error) {
	rows := []models.FailedNotification{}
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	for _, n := range m.notifications {
		if n.Status != models.PendingNotificationStatus {
			continue
		}
		if !force && n.Exhausted() {
			continue
		}
		if !cutoff.IsZero() && n.CreatedAt.Before(cutoff) {
			continue
		}
		rows = append(rows, n)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MockStore) UpdateFailedNotification(n models.FailedNotification) error {
	for i, existing := range m.notifications {
		if existing.ID == n.ID {
			m.notifications[i] = n
			return nil
		}
	}
	return errors.New("notification not found")
}

func (m *MockStore) SaveAuditLog(l models.AuditLog) error {
	l.ID = m.nextSeq()
	l.CreatedAt = time.Now()
	m.auditLogs = append(m.auditLogs, l)
	return nil
}

// AuditLogs exposes the recorded audit trail to tests.
func (m *MockStore) AuditLogs() []models.AuditLog {
	return m.auditLogs
}
