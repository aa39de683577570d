package service_test

import (
	"sync"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/service"
	"github.com/stojanov/flowline/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// recordingNotifier captures assignment notifications instead of sending.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []int64 // user IDs in notification order
	items []models.TaskItem
}

func (n *recordingNotifier) NotifyAssignment(st storage.Store, userID int64, item models.TaskItem, taskTitle string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID)
	n.items = append(n.items, item)
}

type fixture struct {
	store     *storage.MockStore
	notifier  *recordingNotifier
	allocator *service.Allocator
	identity  *service.IdentityService
	tasks     *service.TaskService
}

func newFixture() *fixture {
	store := storage.NewMockStore()
	notifier := &recordingNotifier{}
	audit := service.NewAuditService(store, logger{})
	allocator := service.NewAllocator(notifier, audit, logger{})
	return &fixture{
		store:     store,
		notifier:  notifier,
		allocator: allocator,
		identity:  service.NewIdentityService(store, logger{}),
		tasks:     service.NewTaskService(store, allocator, notifier, audit, logger{}),
	}
}

// seedRole mirrors a role with the given active members.
func (f *fixture) seedRole(externalID int64, name string, userIDs ...int64) {
	roleID, _ := f.store.UpsertRole(models.Role{ExternalID: externalID, Name: name, System: "identity"})
	for _, uid := range userIDs {
		_, _ = f.store.UpsertMembership(models.RoleMembership{
			RoleID:   roleID,
			UserID:   uid,
			IsActive: true,
			Settings: "{}",
		})
	}
}

// seedWorkflow builds an initialized three-step workflow weighted [1, 2, 1]
// with an urgent SLA of 4 hours and a linear path ending in a terminal edge.
// Returns the workflow ID and the step IDs in order.
func (f *fixture) seedWorkflow() (int64, []int64) {
	wfID, _ := f.store.SaveWorkflow(models.Workflow{
		Name:           "incident-response",
		Department:     "IT",
		Category:       "incident",
		Status:         models.InitializedWorkflowStatus,
		Version:        1,
		SLAUrgentHours: 4,
		SLAHighHours:   8,
		SLAMediumHours: 24,
		SLALowHours:    72,
	})
	weights := []float64{1, 2, 1}
	stepIDs := make([]int64, 0, 3)
	for i, w := range weights {
		id, _ := f.store.SaveStep(models.Step{
			WorkflowID: wfID,
			Name:       "step",
			RoleName:   "agent",
			Weight:     w,
			Order:      i + 1,
			IsStart:    i == 0,
			IsEnd:      i == 2,
		})
		stepIDs = append(stepIDs, id)
	}
	for i := 0; i < len(stepIDs)-1; i++ {
		from := stepIDs[i]
		to := stepIDs[i+1]
		_, _ = f.store.SaveTransition(models.StepTransition{WorkflowID: wfID, FromStepID: &from, ToStepID: &to})
	}
	last := stepIDs[len(stepIDs)-1]
	_, _ = f.store.SaveTransition(models.StepTransition{WorkflowID: wfID, FromStepID: &last, ToStepID: nil})
	return wfID, stepIDs
}

func ticket(number string) models.TicketEvent {
	return models.TicketEvent{
		TicketNumber: number,
		Department:   "IT",
		Category:     "incident",
		Priority:     "urgent",
	}
}
