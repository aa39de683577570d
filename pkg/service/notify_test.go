package service_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/service"
	"github.com/stojanov/flowline/pkg/storage"
)

// flakyServer fails every request until healthy is set.
type flakyServer struct {
	healthy  atomic.Bool
	requests atomic.Int64
}

func (s *flakyServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if !s.healthy.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func seedItem(t *testing.T, store *storage.MockStore) models.TaskItem {
	t.Helper()
	wfID, err := store.SaveWorkflow(models.Workflow{Department: "IT", Category: "incident", Status: models.InitializedWorkflowStatus})
	assert.NoError(t, err)
	stepID, err := store.SaveStep(models.Step{WorkflowID: wfID, RoleName: "agent", Weight: 1, IsStart: true})
	assert.NoError(t, err)
	taskID, err := store.SaveTask(models.Task{TicketRef: "TCK-1", WorkflowID: wfID, Status: models.PendingTaskStatus})
	assert.NoError(t, err)
	item := models.TaskItem{
		ID: "item-1", TaskID: taskID, MembershipID: 1, UserID: 7,
		StepID: stepID, RoleName: "agent", AssignedOn: time.Now(),
	}
	assert.NoError(t, store.SaveTaskItem(item))
	return item
}

// txDiscriminatingStore records whether failed-notification writes go
// through a transactional store or the root one.
type txDiscriminatingStore struct {
	*storage.MockStore
	inTx     bool
	bucketTx *bool
}

func (s *txDiscriminatingStore) Begin() (storage.Store, error) {
	return &txDiscriminatingStore{MockStore: s.MockStore, inTx: true, bucketTx: s.bucketTx}, nil
}

func (s *txDiscriminatingStore) SaveFailedNotification(n models.FailedNotification) (int64, error) {
	*s.bucketTx = s.inTx
	return s.MockStore.SaveFailedNotification(n)
}

func TestHTTPNotifier_NotifyAssignment(t *testing.T) {
	t.Run("SuccessLeavesNoFailureRecord", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := &flakyServer{}
		srv.healthy.Store(true)
		ts := httptest.NewServer(srv.handler())
		defer ts.Close()

		notifier := service.NewHTTPNotifier(store, ts.URL, logger{})
		item := seedItem(t, store)
		notifier.NotifyAssignment(store, 7, item, "Ticket TCK-1")

		rows, err := store.ListRetryableNotifications(0, 0, false)
		assert.NoError(t, err)
		assert.Empty(t, rows)
		assert.Equal(t, int64(1), srv.requests.Load())
	})

	t.Run("FailureLandsInRetryBucket", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := &flakyServer{}
		ts := httptest.NewServer(srv.handler())
		defer ts.Close()

		notifier := service.NewHTTPNotifier(store, ts.URL, logger{})
		item := seedItem(t, store)
		notifier.NotifyAssignment(store, 7, item, "Ticket TCK-1")

		rows, err := store.ListRetryableNotifications(0, 0, false)
		assert.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.Equal(t, models.PendingNotificationStatus, rows[0].Status)
		assert.Equal(t, int64(7), rows[0].UserID)
		assert.Equal(t, item.ID, rows[0].TaskItemID)
		assert.Equal(t, 0, rows[0].RetryCount)
	})

	t.Run("BucketWriteJoinsCallerTransaction", func(t *testing.T) {
		mock := storage.NewMockStore()
		var bucketTx bool
		root := &txDiscriminatingStore{MockStore: mock, bucketTx: &bucketTx}

		srv := &flakyServer{}
		ts := httptest.NewServer(srv.handler())
		defer ts.Close()

		// Wired as in production: the notifier holds the root store, task
		// creation runs inside its own transaction.
		notifier := service.NewHTTPNotifier(root, ts.URL, logger{})
		audit := service.NewAuditService(root, logger{})
		allocator := service.NewAllocator(notifier, audit, logger{})
		tasks := service.NewTaskService(root, allocator, notifier, audit, logger{})

		roleID, err := mock.UpsertRole(models.Role{ExternalID: 1, Name: "agent", System: "identity"})
		assert.NoError(t, err)
		_, err = mock.UpsertMembership(models.RoleMembership{RoleID: roleID, ExternalID: 1, UserID: 7, IsActive: true, Settings: "{}"})
		assert.NoError(t, err)
		wfID, err := mock.SaveWorkflow(models.Workflow{Department: "IT", Category: "incident", Status: models.InitializedWorkflowStatus, SLAMediumHours: 24})
		assert.NoError(t, err)
		_, err = mock.SaveStep(models.Step{WorkflowID: wfID, Name: "triage", RoleName: "agent", Weight: 1, IsStart: true})
		assert.NoError(t, err)

		_, err = tasks.CreateTask(models.TicketEvent{TicketNumber: "TCK-1"}, wfID)
		assert.NoError(t, err)

		// The send failed mid-transaction; the failure record must have been
		// written through the same transaction as the item it references.
		rows, err := mock.ListRetryableNotifications(0, 0, false)
		assert.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.True(t, bucketTx)
	})
}

func TestHTTPNotifier_RetryPending(t *testing.T) {
	t.Run("SucceedsOnceServiceRecovers", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := &flakyServer{}
		ts := httptest.NewServer(srv.handler())
		defer ts.Close()

		notifier := service.NewHTTPNotifier(store, ts.URL, logger{})
		item := seedItem(t, store)
		notifier.NotifyAssignment(store, 7, item, "Ticket TCK-1")

		srv.healthy.Store(true)
		report, err := notifier.RetryPending(0, 0, false)
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Attempted)
		assert.Equal(t, 1, report.Succeeded)

		rows, _ := store.ListRetryableNotifications(0, 0, false)
		assert.Empty(t, rows)
	})

	t.Run("ExhaustionMarksFailed", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := &flakyServer{}
		ts := httptest.NewServer(srv.handler())
		defer ts.Close()

		notifier := service.NewHTTPNotifier(store, ts.URL, logger{})
		item := seedItem(t, store)
		id, err := store.SaveFailedNotification(models.FailedNotification{
			UserID: 7, TaskItemID: item.ID,
			Status: models.PendingNotificationStatus, RetryCount: 2, MaxRetries: 3,
		})
		assert.NoError(t, err)

		// One more failed attempt exhausts the budget.
		report, err := notifier.RetryPending(0, 0, false)
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Attempted)
		assert.Equal(t, 1, report.Exhausted)

		row, err := store.GetFailedNotification(id)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedNotificationStatus, row.Status)
		assert.Equal(t, 3, row.RetryCount)

		// The next unforced sweep leaves the exhausted row alone.
		report, err = notifier.RetryPending(0, 0, false)
		assert.NoError(t, err)
		assert.Equal(t, 0, report.Attempted)
		row, _ = store.GetFailedNotification(id)
		assert.Equal(t, models.FailedNotificationStatus, row.Status)
		assert.Equal(t, 3, row.RetryCount)
	})

	t.Run("LimitBoundsTheSweep", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := &flakyServer{}
		srv.healthy.Store(true)
		ts := httptest.NewServer(srv.handler())
		defer ts.Close()

		notifier := service.NewHTTPNotifier(store, ts.URL, logger{})
		item := seedItem(t, store)
		for i := 0; i < 3; i++ {
			_, err := store.SaveFailedNotification(models.FailedNotification{
				UserID: 7, TaskItemID: item.ID,
				Status: models.PendingNotificationStatus, MaxRetries: 3,
			})
			assert.NoError(t, err)
		}

		report, err := notifier.RetryPending(0, 2, false)
		assert.NoError(t, err)
		assert.Equal(t, 2, report.Attempted)
		assert.Equal(t, 2, report.Succeeded)

		rows, _ := store.ListRetryableNotifications(0, 0, false)
		assert.Len(t, rows, 1)
	})
}
