package service

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/stojanov/flowline/pkg/models"
	"github.com/stojanov/flowline/pkg/storage"
)

// Logger defines the logging interface injected into the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// IdentityService maintains the locally mirrored copy of roles and
// role memberships owned by the external identity service. All writes come
// through replicated events; application is idempotent and last-write-wins,
// since the transport guarantees neither ordering nor exactly-once delivery.
type IdentityService struct {
	store  storage.Store
	logger Logger
}

func NewIdentityService(store storage.Store, logger Logger) *IdentityService {
	return &IdentityService{store: store, logger: logger}
}

// ApplyRoleEvent applies a replicated role change. Create and update are the
// same upsert; delete of an absent role is a success.
func (s *IdentityService) ApplyRoleEvent(ev models.RoleEvent) error {
	switch ev.Action {
	case models.CreateSyncAction, models.UpdateSyncAction:
		_, err := s.store.UpsertRole(models.Role{
			ExternalID:  ev.RoleID,
			Name:        ev.Name,
			System:      ev.System,
			Description: ev.Description,
		})
		if err != nil {
			return errors.Wrapf(err, "apply role event %d/%s", ev.RoleID, ev.Action)
		}
		s.logger.Infof("Applied role %s for role %d (%s)", ev.Action, ev.RoleID, ev.Name)
		return nil
	case models.DeleteSyncAction:
		if err := s.store.DeleteRole(ev.RoleID, ev.System); err != nil {
			return errors.Wrapf(err, "delete role %d", ev.RoleID)
		}
		s.logger.Infof("Applied role delete for role %d", ev.RoleID)
		return nil
	default:
		return fmt.Errorf("unknown role sync action %q", ev.Action)
	}
}

// ApplyMembershipEvent applies a replicated membership change. A membership
// referencing a role the mirror has not seen yet fails with
// UnknownRoleError; the caller drops the event and the producer resends.
func (s *IdentityService) ApplyMembershipEvent(ev models.MembershipEvent) error {
	role, err := s.store.GetRole(ev.RoleID, ev.System)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if ev.Action == models.DeleteSyncAction {
				// Role already gone implies the membership is too.
				return nil
			}
			return &UnknownRoleError{RoleID: ev.RoleID, System: ev.System}
		}
		return errors.Wrapf(err, "resolve role %d for membership event", ev.RoleID)
	}

	switch ev.Action {
	case models.CreateSyncAction, models.UpdateSyncAction:
		settings := string(ev.Settings)
		if settings == "" {
			settings = "{}"
		}
		_, err := s.store.UpsertMembership(models.RoleMembership{
			RoleID:      role.ID,
			ExternalID:  ev.UserSystemRoleID,
			UserID:      ev.UserID,
			DisplayName: ev.UserFullName,
			IsActive:    ev.IsActive,
			Settings:    settings,
		})
		if err != nil {
			return errors.Wrapf(err, "apply membership %s for user %d", ev.Action, ev.UserID)
		}
		s.logger.Infof("Applied membership %s for user %d on role %s", ev.Action, ev.UserID, role.Name)
		return nil
	case models.DeleteSyncAction:
		if err := s.store.DeleteMembership(role.ID, ev.UserID); err != nil {
			return errors.Wrapf(err, "delete membership user %d role %d", ev.UserID, role.ID)
		}
		s.logger.Infof("Applied membership delete for user %d on role %s", ev.UserID, role.Name)
		return nil
	default:
		return fmt.Errorf("unknown membership sync action %q", ev.Action)
	}
}
