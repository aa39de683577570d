package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/storage"
)

// DefaultNotifyTimeout bounds the outbound send so a downstream outage can
// never block an assignment.
const DefaultNotifyTimeout = 5 * time.Second

// DefaultMaxRetries is the retry budget of a failed notification.
const DefaultMaxRetries = 3

// Notifier delivers "you have a new work item" events. Implementations are
// fire-and-forget: delivery failure must be recorded, never returned. st is
// the caller's store, so a failure record lands in the same transaction as
// the work item it references.
type Notifier interface {
	NotifyAssignment(st storage.Store, userID int64, item models.TaskItem, taskTitle string)
}

type assignmentPayload struct {
	UserID     int64  `json:"user_id"`
	TaskItemID string `json:"task_item_id"`
	TaskTitle  string `json:"task_title"`
	RoleName   string `json:"role_name"`
}

// HTTPNotifier posts assignment events to the external notification service.
// Sends go through a circuit breaker; any failure, including an open
// breaker, lands in the failed_notifications retry bucket.
type HTTPNotifier struct {
	store      storage.Store
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	url        string
	maxRetries int
	logger     Logger
	now        func() time.Time
}

func NewHTTPNotifier(store storage.Store, url string, logger Logger) *HTTPNotifier {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-service",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPNotifier{
		store:      store,
		client:     &http.Client{Timeout: DefaultNotifyTimeout},
		breaker:    breaker,
		url:        url,
		maxRetries: DefaultMaxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// NotifyAssignment sends best-effort. On failure a FailedNotification row is
// persisted through st and the caller proceeds untouched. The callers all
// pass their transactional store: the item the row references is still
// uncommitted, so writing through any other connection would hit the foreign
// key and lose the record.
func (n *HTTPNotifier) NotifyAssignment(st storage.Store, userID int64, item models.TaskItem, taskTitle string) {
	payload := assignmentPayload{
		UserID:     userID,
		TaskItemID: item.ID,
		TaskTitle:  taskTitle,
		RoleName:   item.RoleName,
	}
	if err := n.send(payload); err != nil {
		n.logger.Errorf("Notification to user %d for item %s failed: %v", userID, item.ID, err)
		n.bucket(st, userID, item.ID, err)
		return
	}
	n.logger.Infof("Notified user %d of assignment %s", userID, item.ID)
}

func (n *HTTPNotifier) send(payload assignmentPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = n.breaker.Execute(func() (interface{}, error) {
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("notification service returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

func (n *HTTPNotifier) bucket(st storage.Store, userID int64, itemID string, sendErr error) {
	_, err := st.SaveFailedNotification(models.FailedNotification{
		UserID:       userID,
		TaskItemID:   itemID,
		ErrorMessage: sendErr.Error(),
		Status:       models.PendingNotificationStatus,
		MaxRetries:   n.maxRetries,
	})
	if err != nil {
		// Both the send and the bucket write failed; the log line is all
		// that is left of this notification.
		n.logger.Errorf("Failed to persist failed notification for item %s: %v", itemID, err)
	}
}

// RetryReport summarizes one retry sweep.
type RetryReport struct {
	Attempted int
	Succeeded int
	Failed    int
	Exhausted int
}

// RetryPending sweeps the retry bucket: pending rows with retries left
// (unless force), oldest first, optionally bounded by age and count. Each
// attempt moves the row to RETRYING before the send; outcomes are SUCCESS,
// back to PENDING while retries remain, or FAILED once exhausted. Rows
// already terminal are excluded by the status filter, so re-running the
// sweep is safe.
func (n *HTTPNotifier) RetryPending(maxAge time.Duration, limit int, force bool) (RetryReport, error) {
	var report RetryReport
	rows, err := n.store.ListRetryableNotifications(maxAge, limit, force)
	if err != nil {
		return report, err
	}

	for _, row := range rows {
		report.Attempted++
		now := n.now()
		row.Status = models.RetryingNotificationStatus
		row.RetryCount++
		row.LastRetryAt = &now
		if err := n.store.UpdateFailedNotification(row); err != nil {
			n.logger.Errorf("Failed to mark notification %d retrying: %v", row.ID, err)
			continue
		}

		payload, err := n.payloadFor(row)
		if err == nil {
			err = n.send(payload)
		}
		if err == nil {
			succeeded := n.now()
			row.Status = models.SuccessNotificationStatus
			row.SucceededAt = &succeeded
			report.Succeeded++
		} else {
			row.ErrorMessage = err.Error()
			if row.Exhausted() && !force {
				row.Status = models.FailedNotificationStatus
				report.Exhausted++
			} else {
				row.Status = models.PendingNotificationStatus
			}
			report.Failed++
			n.logger.Errorf("Retry %d/%d for notification %d failed: %v", row.RetryCount, row.MaxRetries, row.ID, err)
		}
		if err := n.store.UpdateFailedNotification(row); err != nil {
			n.logger.Errorf("Failed to update notification %d after retry: %v", row.ID, err)
		}
	}
	n.logger.Infof("Retry sweep: %d attempted, %d succeeded, %d failed (%d exhausted)",
		report.Attempted, report.Succeeded, report.Failed, report.Exhausted)
	return report, nil
}

func (n *HTTPNotifier) payloadFor(row models.FailedNotification) (assignmentPayload, error) {
	item, err := n.store.GetTaskItem(row.TaskItemID)
	if err != nil {
		return assignmentPayload{}, fmt.Errorf("resolve task item %s: %w", row.TaskItemID, err)
	}
	title := ""
	if task, err := n.store.GetTask(item.TaskID); err == nil {
		title = "Ticket " + task.TicketRef
	}
	return assignmentPayload{
		UserID:     row.UserID,
		TaskItemID: row.TaskItemID,
		TaskTitle:  title,
		RoleName:   item.RoleName,
	}, nil
}
