package http_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	internal_http "github.com/stojanov/flowline/internal/http"
	"github.com/stojanov/flowline/internal/log"
	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/service"
	"github.com/stojanov/flowline/pkg/storage"
)

type env struct {
	store *storage.MockStore
	tasks *service.TaskService
	srv   *httptest.Server
}

func newEnv(t *testing.T) *env {
	store := storage.NewMockStore()
	logger := log.GetLogger()

	// Notification sink so sends succeed without an external service.
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.Close)

	notifier := service.NewHTTPNotifier(store, sink.URL, logger)
	audit := service.NewAuditService(store, logger)
	allocator := service.NewAllocator(notifier, audit, logger)
	tasks := service.NewTaskService(store, allocator, notifier, audit, logger)

	srv := httptest.NewServer(internal_http.NewRouter(internal_http.Services{
		Tasks:    tasks,
		Notifier: notifier,
	}))
	t.Cleanup(srv.Close)

	return &env{store: store, tasks: tasks, srv: srv}
}

// seedGraph installs a two-step workflow staffed by one agent and returns the
// workflow and step IDs.
func (e *env) seedGraph(t *testing.T) (wfID int64, steps []int64) {
	t.Helper()
	roleID, err := e.store.UpsertRole(models.Role{ExternalID: 1, Name: "agent", System: "identity"})
	assert.NoError(t, err)
	_, err = e.store.UpsertMembership(models.RoleMembership{RoleID: roleID, ExternalID: 1, UserID: 7, IsActive: true, Settings: "{}"})
	assert.NoError(t, err)

	wfID, err = e.store.SaveWorkflow(models.Workflow{
		Name: "Incident Handling", Department: "IT", Category: "incident",
		Status: models.InitializedWorkflowStatus, Version: 1,
		SLAUrgentHours: 4, SLAHighHours: 8, SLAMediumHours: 24, SLALowHours: 72,
	})
	assert.NoError(t, err)

	s1, err := e.store.SaveStep(models.Step{WorkflowID: wfID, Name: "triage", RoleName: "agent", Weight: 1, Order: 1, IsStart: true})
	assert.NoError(t, err)
	s2, err := e.store.SaveStep(models.Step{WorkflowID: wfID, Name: "resolve", RoleName: "agent", Weight: 1, Order: 2, IsEnd: true})
	assert.NoError(t, err)
	_, err = e.store.SaveTransition(models.StepTransition{WorkflowID: wfID, FromStepID: &s1, ToStepID: &s2})
	assert.NoError(t, err)
	_, err = e.store.SaveTransition(models.StepTransition{WorkflowID: wfID, FromStepID: &s2, ToStepID: nil})
	assert.NoError(t, err)
	return wfID, []int64{s1, s2}
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Get(e.srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "flowline server is running", string(body))
	})

	t.Run("GetTask", func(t *testing.T) {
		e := newEnv(t)
		wfID, _ := e.seedGraph(t)
		task, err := e.tasks.CreateTask(models.TicketEvent{TicketNumber: "TCK-1", Priority: "urgent"}, wfID)
		assert.NoError(t, err)

		resp, err := e.srv.Client().Get(fmt.Sprintf("%s/tasks/%d", e.srv.URL, task.ID))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var view struct {
			models.Task
			ItemSLA map[string]service.SLAStatus `json:"item_sla"`
		}
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, "TCK-1", view.TicketRef)
		assert.Len(t, view.Items, 1)
		assert.Equal(t, service.OnTrackStatus, view.ItemSLA[view.Items[0].ID])
	})

	t.Run("GetTaskNotFound", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Get(e.srv.URL + "/tasks/999")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("GetTaskInvalidID", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Get(e.srv.URL + "/tasks/abc")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("AdvanceTask", func(t *testing.T) {
		e := newEnv(t)
		wfID, steps := e.seedGraph(t)
		task, err := e.tasks.CreateTask(models.TicketEvent{TicketNumber: "TCK-1", Priority: "urgent"}, wfID)
		assert.NoError(t, err)

		resp, err := e.srv.Client().Post(fmt.Sprintf("%s/tasks/%d/advance?actor=7", e.srv.URL, task.ID), "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		moved, err := e.tasks.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, steps[1], *moved.CurrentStepID)
	})

	t.Run("StartItem", func(t *testing.T) {
		e := newEnv(t)
		wfID, _ := e.seedGraph(t)
		task, err := e.tasks.CreateTask(models.TicketEvent{TicketNumber: "TCK-1", Priority: "urgent"}, wfID)
		assert.NoError(t, err)
		full, err := e.tasks.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Len(t, full.Items, 1)

		resp, err := e.srv.Client().Post(fmt.Sprintf("%s/items/%s/start?actor=7", e.srv.URL, full.Items[0].ID), "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		started, err := e.tasks.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.InProgressTaskStatus, started.Status)
	})

	t.Run("StartItemRequiresActor", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Post(e.srv.URL+"/items/item-1/start", "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("AdvanceWithoutTransitionConflicts", func(t *testing.T) {
		e := newEnv(t)
		wfID, err := e.store.SaveWorkflow(models.Workflow{
			Name: "One Step", Department: "IT", Category: "request",
			Status: models.InitializedWorkflowStatus, Version: 1, SLAMediumHours: 24,
		})
		assert.NoError(t, err)
		_, err = e.store.SaveStep(models.Step{WorkflowID: wfID, Name: "only", RoleName: "agent", Weight: 1, Order: 1, IsStart: true})
		assert.NoError(t, err)
		task, err := e.tasks.CreateTask(models.TicketEvent{TicketNumber: "TCK-2"}, wfID)
		assert.NoError(t, err)

		resp, err := e.srv.Client().Post(fmt.Sprintf("%s/tasks/%d/advance", e.srv.URL, task.ID), "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("ManualAssign", func(t *testing.T) {
		e := newEnv(t)
		wfID, _ := e.seedGraph(t)

		resp, err := e.srv.Client().Post(fmt.Sprintf("%s/tickets/TCK-9/assign?workflow=%d", e.srv.URL, wfID), "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Assigned ticket TCK-9")

		// The second call is a no-op.
		resp2, err := e.srv.Client().Post(fmt.Sprintf("%s/tickets/TCK-9/assign?workflow=%d", e.srv.URL, wfID), "", nil)
		assert.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
		body2, _ := io.ReadAll(resp2.Body)
		assert.Contains(t, string(body2), "not assigned")
	})

	t.Run("ManualAssignRequiresWorkflow", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Post(e.srv.URL+"/tickets/TCK-9/assign", "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("RetrySweepEmptyBucket", func(t *testing.T) {
		e := newEnv(t)
		resp, err := e.srv.Client().Post(e.srv.URL+"/notifications/retry", "", nil)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Retried 0 notifications")
	})
}
