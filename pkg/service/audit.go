package service

import (
	"encoding/json"
	"fmt"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/storage"
)

// AuditService appends mutating engine actions to the audit trail. Auditing
// is best-effort: any failure is logged and swallowed so it can never fail
// the operation that triggered it.
type AuditService struct {
	store  storage.Store
	logger Logger
}

func NewAuditService(store storage.Store, logger Logger) *AuditService {
	return &AuditService{store: store, logger: logger}
}

// LogAction records one mutating action. changes may be nil.
func (s *AuditService) LogAction(userID int64, action, targetType, targetID string, changes map[string]interface{}, description string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Audit log panic for action %s on %s %s: %v", action, targetType, targetID, r)
		}
	}()

	encoded := "{}"
	if changes != nil {
		b, err := json.Marshal(changes)
		if err != nil {
			s.logger.Errorf("Failed to encode audit changes for action %s: %v", action, err)
		} else {
			encoded = string(b)
		}
	}

	err := s.store.SaveAuditLog(models.AuditLog{
		UserID:      userID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Changes:     encoded,
		Description: description,
	})
	if err != nil {
		s.logger.Errorf("Failed to write audit log for action %s on %s %s: %v", action, targetType, targetID, err)
	}
}

// LogTaskAction is a convenience wrapper for task-scoped actions.
func (s *AuditService) LogTaskAction(userID, taskID int64, action, description string, changes map[string]interface{}) {
	s.LogAction(userID, action, "task", fmt.Sprintf("%d", taskID), changes, description)
}
