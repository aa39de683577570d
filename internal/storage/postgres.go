package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// UpsertRole inserts or updates a mirrored role by its external identity,
// returning the local row ID.
func (s *PostgresStore) UpsertRole(r models.Role) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO roles (external_id, name, system, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id, system)
		DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		r.ExternalID, r.Name, r.System, r.Description).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert role %d: %w", r.ExternalID, err)
	}
	return id, nil
}

// DeleteRole removes a mirrored role. A missing row is not an error.
func (s *PostgresStore) DeleteRole(externalID int64, system string) error {
	_, err := s.db.Exec("DELETE FROM roles WHERE external_id = $1 AND system = $2", externalID, system)
	return err
}

func (s *PostgresStore) GetRole(externalID int64, system string) (models.Role, error) {
	var r models.Role
	err := s.db.Get(&r, "SELECT * FROM roles WHERE external_id = $1 AND system = $2", externalID, system)
	if err == sql.ErrNoRows {
		return models.Role{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Role{}, err
	}
	return r, nil
}

// UpsertMembership inserts or updates a membership by (role, user),
// collapsing duplicate replicated deliveries.
func (s *PostgresStore) UpsertMembership(m models.RoleMembership) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO role_memberships (role_id, external_id, user_id, display_name, is_active, settings)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (role_id, user_id)
		DO UPDATE SET external_id = EXCLUDED.external_id, display_name = EXCLUDED.display_name,
			is_active = EXCLUDED.is_active, settings = EXCLUDED.settings, updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		m.RoleID, m.ExternalID, m.UserID, m.DisplayName, m.IsActive, m.Settings).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert membership role=%d user=%d: %w", m.RoleID, m.UserID, err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteMembership(roleID, userID int64) error {
	_, err := s.db.Exec("DELETE FROM role_memberships WHERE role_id = $1 AND user_id = $2", roleID, userID)
	return err
}

func (s *PostgresStore) GetMembership(id int64) (models.RoleMembership, error) {
	var m models.RoleMembership
	err := s.db.Get(&m, "SELECT * FROM role_memberships WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.RoleMembership{}, storage.ErrNotFound
	}
	if err != nil {
		return models.RoleMembership{}, err
	}
	return m, nil
}

// ListActiveMemberships returns the active members of a role ordered by user
// ID, the stable order the round-robin cursor indexes into.
func (s *PostgresStore) ListActiveMemberships(roleName string) ([]models.RoleMembership, error) {
	members := []models.RoleMembership{}
	err := s.db.Select(&members, `
		SELECT rm.* FROM role_memberships rm
		JOIN roles r ON r.id = rm.role_id
		WHERE r.name = $1 AND rm.is_active = TRUE
		ORDER BY rm.user_id`, roleName)
	if err != nil {
		return nil, fmt.Errorf("list memberships for role %s: %w", roleName, err)
	}
	return members, nil
}

// SaveWorkflow inserts a workflow template. Graph authoring belongs to the
// design-time tool; the engine only needs this for seeding and tests.
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflows (name, department, category, status, version,
			sla_urgent_hours, sla_high_hours, sla_medium_hours, sla_low_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		w.Name, w.Department, w.Category, w.Status, w.Version,
		w.SLAUrgentHours, w.SLAHighHours, w.SLAMediumHours, w.SLALowHours).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SaveStep(step models.Step) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO steps (workflow_id, name, role_name, weight, step_order, is_start, is_end, escalate_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		step.WorkflowID, step.Name, step.RoleName, step.Weight, step.Order,
		step.IsStart, step.IsEnd, step.EscalateTo).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save step: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SaveTransition(tr models.StepTransition) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO step_transitions (workflow_id, from_step_id, to_step_id)
		VALUES ($1, $2, $3)
		RETURNING id`,
		tr.WorkflowID, tr.FromStepID, tr.ToStepID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save transition: %w", err)
	}
	return id, nil
}

// GetWorkflow retrieves a workflow by ID, including its steps.
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	if err := s.db.Select(&wf.Steps, "SELECT * FROM steps WHERE workflow_id = $1 ORDER BY step_order", id); err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT * FROM workflows ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// FindWorkflowForTicket matches an inbound ticket to the workflow of its
// department and category. Only assignable workflows are considered; the
// latest version wins.
func (s *PostgresStore) FindWorkflowForTicket(department, category string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, `
		SELECT * FROM workflows
		WHERE department = $1 AND category = $2 AND status IN ('INITIALIZED', 'DEPLOYED')
		ORDER BY version DESC LIMIT 1`, department, category)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	return wf, nil
}

func (s *PostgresStore) ListSteps(workflowID int64) ([]models.Step, error) {
	steps := []models.Step{}
	err := s.db.Select(&steps, "SELECT * FROM steps WHERE workflow_id = $1 ORDER BY step_order", workflowID)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *PostgresStore) GetStep(id int64) (models.Step, error) {
	var step models.Step
	err := s.db.Get(&step, "SELECT * FROM steps WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Step{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Step{}, err
	}
	return step, nil
}

// GetStartStep resolves a workflow's entry step: the step flagged is_start,
// falling back to the lowest order.
func (s *PostgresStore) GetStartStep(workflowID int64) (models.Step, error) {
	var step models.Step
	err := s.db.Get(&step, `
		SELECT * FROM steps WHERE workflow_id = $1
		ORDER BY is_start DESC, step_order ASC LIMIT 1`, workflowID)
	if err == sql.ErrNoRows {
		return models.Step{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Step{}, err
	}
	return step, nil
}

// GetTransitionFrom returns the outgoing transition of a step. Routing is
// deterministic single-path: the lowest transition ID wins when the schema
// holds more than one edge.
func (s *PostgresStore) GetTransitionFrom(workflowID, fromStepID int64) (models.StepTransition, error) {
	var tr models.StepTransition
	err := s.db.Get(&tr, `
		SELECT * FROM step_transitions
		WHERE workflow_id = $1 AND from_step_id = $2
		ORDER BY id ASC LIMIT 1`, workflowID, fromStepID)
	if err == sql.ErrNoRows {
		return models.StepTransition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StepTransition{}, err
	}
	return tr, nil
}

func (s *PostgresStore) SumStepWeights(workflowID int64) (float64, error) {
	var sum float64
	err := s.db.Get(&sum, "SELECT COALESCE(SUM(weight), 0) FROM steps WHERE workflow_id = $1", workflowID)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// SaveTask creates a task and returns its ID. A second task for the same
// (ticket, workflow) pair fails with storage.ErrDuplicate.
func (s *PostgresStore) SaveTask(t models.Task) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO tasks (ticket_ref, ticket_priority, workflow_id, workflow_version, current_step_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.TicketRef, t.TicketPriority, t.WorkflowID, t.WorkflowVersion, t.CurrentStepID, t.Status).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, storage.ErrDuplicate
		}
		return 0, fmt.Errorf("save task for ticket %s: %w", t.TicketRef, err)
	}
	return id, nil
}

func (s *PostgresStore) GetTask(id int64) (models.Task, error) {
	return s.getTask(id, "SELECT * FROM tasks WHERE id = $1")
}

// GetTaskForUpdate row-locks the task so concurrent advances for the same
// task serialize. Must be called inside a transaction.
func (s *PostgresStore) GetTaskForUpdate(id int64) (models.Task, error) {
	return s.getTask(id, "SELECT * FROM tasks WHERE id = $1 FOR UPDATE")
}

func (s *PostgresStore) getTask(id int64, query string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, query, id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	if err := s.db.Select(&t.Items, "SELECT * FROM task_items WHERE task_id = $1 ORDER BY assigned_on", id); err != nil {
		return models.Task{}, fmt.Errorf("get task %d items: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) GetTaskByTicket(ticketRef string, workflowID int64) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE ticket_ref = $1 AND workflow_id = $2", ticketRef, workflowID)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) UpdateTaskStep(id int64, currentStepID *int64, status models.TaskStatus) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET current_step_id = $1, status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`, currentStepID, status, id)
	return err
}

func (s *PostgresStore) SetTaskOwnerItem(id int64, itemID string) error {
	_, err := s.db.Exec("UPDATE tasks SET owner_item_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", itemID, id)
	return err
}

func (s *PostgresStore) DeleteTaskByTicket(ticketRef string, workflowID int64) error {
	_, err := s.db.Exec("DELETE FROM tasks WHERE ticket_ref = $1 AND workflow_id = $2", ticketRef, workflowID)
	return err
}

// NextAssignmentCursor atomically advances the per-role round-robin cursor
// and returns the new position. The upsert takes a row lock, so concurrent
// allocations for the same role serialize instead of double-assigning.
func (s *PostgresStore) NextAssignmentCursor(roleName string) (int64, error) {
	var pos int64
	err := s.db.QueryRowx(`
		INSERT INTO assignment_cursors (role_name, position) VALUES ($1, 0)
		ON CONFLICT (role_name) DO UPDATE SET position = assignment_cursors.position + 1
		RETURNING position`, roleName).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("advance assignment cursor for role %s: %w", roleName, err)
	}
	return pos, nil
}

func (s *PostgresStore) SaveTaskItem(item models.TaskItem) error {
	_, err := s.db.Exec(`
		INSERT INTO task_items (id, task_id, membership_id, user_id, step_id, role_name, assigned_on, acted_on, target_resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.TaskID, item.MembershipID, item.UserID, item.StepID, item.RoleName,
		item.AssignedOn, item.ActedOn, item.TargetResolution)
	return err
}

func (s *PostgresStore) GetTaskItem(id string) (models.TaskItem, error) {
	var item models.TaskItem
	err := s.db.Get(&item, "SELECT * FROM task_items WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.TaskItem{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskItem{}, err
	}
	return item, nil
}

// ListOpenTaskItems returns the not-yet-acted items of a task on a step.
func (s *PostgresStore) ListOpenTaskItems(taskID, stepID int64) ([]models.TaskItem, error) {
	items := []models.TaskItem{}
	err := s.db.Select(&items, `
		SELECT * FROM task_items
		WHERE task_id = $1 AND step_id = $2 AND acted_on IS NULL
		ORDER BY assigned_on`, taskID, stepID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) MarkTaskItemActed(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE task_items SET acted_on = $1 WHERE id = $2", at, id)
	return err
}

// AppendTaskItemHistory appends a ledger entry. The timestamp is clamped to
// the item's latest entry so per-item history stays monotonic even when the
// caller's clock reads earlier than a prior write.
func (s *PostgresStore) AppendTaskItemHistory(h models.TaskItemHistory) error {
	_, err := s.db.Exec(`
		INSERT INTO task_item_history (task_item_id, status, created_at)
		VALUES ($1, $2, GREATEST($3::timestamptz,
			COALESCE((SELECT MAX(created_at) FROM task_item_history WHERE task_item_id = $1), $3::timestamptz)))`,
		h.TaskItemID, h.Status, h.CreatedAt)
	return err
}

func (s *PostgresStore) LatestTaskItemHistory(taskItemID string) (models.TaskItemHistory, error) {
	var h models.TaskItemHistory
	err := s.db.Get(&h, `
		SELECT * FROM task_item_history
		WHERE task_item_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, taskItemID)
	if err == sql.ErrNoRows {
		return models.TaskItemHistory{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskItemHistory{}, err
	}
	return h, nil
}

func (s *PostgresStore) IsTicketAllocated(ticketRef string) (bool, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM allocated_tickets WHERE ticket_ref = $1", ticketRef); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *PostgresStore) MarkTicketAllocated(ticketRef string) error {
	_, err := s.db.Exec(`
		INSERT INTO allocated_tickets (ticket_ref) VALUES ($1)
		ON CONFLICT (ticket_ref) DO NOTHING`, ticketRef)
	return err
}

func (s *PostgresStore) SaveFailedNotification(n models.FailedNotification) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO failed_notifications (user_id, task_item_id, error_message, status, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		n.UserID, n.TaskItemID, n.ErrorMessage, n.Status, n.RetryCount, n.MaxRetries).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save failed notification for item %s: %w", n.TaskItemID, err)
	}
	return id, nil
}

func (s *PostgresStore) GetFailedNotification(id int64) (models.FailedNotification, error) {
	var n models.FailedNotification
	err := s.db.Get(&n, "SELECT * FROM failed_notifications WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.FailedNotification{}, storage.ErrNotFound
	}
	if err != nil {
		return models.FailedNotification{}, err
	}
	return n, nil
}

// ListRetryableNotifications selects pending rows oldest first, optionally
// bounded by age and count. Exhausted rows are skipped unless force is set.
func (s *PostgresStore) ListRetryableNotifications(maxAge time.Duration, limit int, force bool) ([]models.FailedNotification, error) {
	query := "SELECT * FROM failed_notifications WHERE status = 'PENDING'"
	args := []interface{}{}
	if !force {
		query += " AND retry_count < max_retries"
	}
	if maxAge > 0 {
		args = append(args, time.Now().Add(-maxAge))
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows := []models.FailedNotification{}
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *PostgresStore) UpdateFailedNotification(n models.FailedNotification) error {
	_, err := s.db.Exec(`
		UPDATE failed_notifications
		SET status = $1, retry_count = $2, error_message = $3, last_retry_at = $4, succeeded_at = $5
		WHERE id = $6`,
		n.Status, n.RetryCount, n.ErrorMessage, n.LastRetryAt, n.SucceededAt, n.ID)
	return err
}

func (s *PostgresStore) SaveAuditLog(l models.AuditLog) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (user_id, action, target_type, target_id, changes, description)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.UserID, l.Action, l.TargetType, l.TargetID, l.Changes, l.Description)
	return err
}
