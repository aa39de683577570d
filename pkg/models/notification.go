package models

import "time"

type NotificationStatus string

const (
	PendingNotificationStatus  NotificationStatus = "PENDING"
	RetryingNotificationStatus NotificationStatus = "RETRYING"
	FailedNotificationStatus   NotificationStatus = "FAILED"
	SuccessNotificationStatus  NotificationStatus = "SUCCESS"
)

// FailedNotification records a delivery that could not reach the external
// notification service. The retry sweep consumes rows with status PENDING
// until they either succeed or exhaust MaxRetries.
type FailedNotification struct {
	ID           int64              `json:"id" db:"id"`
	UserID       int64              `json:"user_id" db:"user_id"`
	TaskItemID   string             `json:"task_item_id" db:"task_item_id"`
	ErrorMessage string             `json:"error_message" db:"error_message"`
	Status       NotificationStatus `json:"status" db:"status"`
	RetryCount   int                `json:"retry_count" db:"retry_count"`
	MaxRetries   int                `json:"max_retries" db:"max_retries"`
	LastRetryAt  *time.Time         `json:"last_retry_at,omitempty" db:"last_retry_at"`
	SucceededAt  *time.Time         `json:"succeeded_at,omitempty" db:"succeeded_at"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
}

// Exhausted reports whether the notification has no retries left.
func (f FailedNotification) Exhausted() bool {
	return f.RetryCount >= f.MaxRetries
}
