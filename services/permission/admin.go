package permission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
)

// RoleDetail is a role together with its permissions and holder count.
type RoleDetail struct {
	*models.Role
	Permissions []*models.Permission `json:"permissions"`
	UserCount   int                  `json:"user_count"`
}

// CreateRoleInput describes a new custom role.
type CreateRoleInput struct {
	Name          string
	DisplayName   string
	Description   string
	Priority      int
	IsActive      *bool
	PermissionIDs []uuid.UUID
}

// UpdateRoleInput lists the fields to change. Nil fields are left alone.
// Names are immutable.
type UpdateRoleInput struct {
	DisplayName *string
	Description *string
	Priority    *int
	IsActive    *bool
}

func (in UpdateRoleInput) touchesMoreThanActive() bool {
	return in.DisplayName != nil || in.Description != nil || in.Priority != nil
}

// invalidation records what a committed mutation affects.
type invalidation struct {
	principals []uuid.UUID
	roles      []uuid.UUID
}

// mutate runs fn in one bounded transaction and applies the invalidation it
// reports once the transaction has committed.
func (e *Engine) mutate(ctx context.Context, fn func(ctx context.Context, inv *invalidation) error) error {
	ctx, cancel := services.Bounded(ctx, e.cfg.OperationTimeout)
	defer cancel()

	var inv invalidation
	if err := services.WithTransaction(ctx, e.txMgr, func(ctx context.Context) error {
		return fn(ctx, &inv)
	}); err != nil {
		return services.WrapBackend("rbac update failed", err, nil)
	}

	if len(inv.principals) > 0 {
		e.cache.InvalidatePrincipals(inv.principals...)
	}
	if len(inv.roles) > 0 {
		e.cache.InvalidateRoles(inv.roles...)
	}
	return nil
}

func (e *Engine) getRole(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	role, err := e.roles.GetByID(ctx, id)
	if err != nil {
		return nil, services.WrapBackend("failed to load role", err, services.ErrRoleNotFound)
	}
	return role, nil
}

func (e *Engine) getUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := e.users.GetByID(ctx, id)
	if err != nil {
		return nil, services.WrapBackend("failed to load user", err, services.ErrUserNotFound)
	}
	return user, nil
}

// CreateRole creates a custom role with optional initial permissions.
func (e *Engine) CreateRole(ctx context.Context, in CreateRoleInput) (*RoleDetail, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.ContainsAny(name, " \t:") {
		return nil, services.ErrInvalidInput.WithDetail("field", "name")
	}
	display := in.DisplayName
	if display == "" {
		display = name
	}
	role := models.NewRole(name, display, in.Description, in.Priority)
	if in.IsActive != nil {
		role.IsActive = *in.IsActive
	}

	err := e.mutate(ctx, func(ctx context.Context, _ *invalidation) error {
		if err := e.roles.Create(ctx, role); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return services.ErrDuplicateRole.WithDetail("name", name)
			}
			return services.WrapBackend("failed to create role", err, nil)
		}
		if len(in.PermissionIDs) == 0 {
			return nil
		}
		if err := e.assignments.ReplaceRolePermissions(ctx, role.ID, dedupe(in.PermissionIDs)); err != nil {
			return services.WrapBackend("failed to set role permissions", err, services.ErrPermissionNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("role created", zap.String("role", role.Name), zap.String("role_id", role.ID.String()))
	return e.GetRole(ctx, role.ID)
}

// UpdateRole changes a role. System roles accept only an IsActive change.
func (e *Engine) UpdateRole(ctx context.Context, id uuid.UUID, in UpdateRoleInput) (*RoleDetail, error) {
	err := e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		role, err := e.getRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem && (in.touchesMoreThanActive() || in.IsActive == nil) {
			return services.ErrSystemRole
		}

		if in.DisplayName != nil {
			role.DisplayName = *in.DisplayName
		}
		if in.Description != nil {
			role.Description = *in.Description
		}
		if in.Priority != nil {
			role.Priority = *in.Priority
		}
		if in.IsActive != nil && *in.IsActive != role.IsActive {
			role.IsActive = *in.IsActive
			inv.roles = append(inv.roles, role.ID)
		}

		if err := e.roles.Update(ctx, role); err != nil {
			return services.WrapBackend("failed to update role", err, services.ErrRoleNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("role updated", zap.String("role_id", id.String()))
	return e.GetRole(ctx, id)
}

// DeleteRole deletes a custom role and detaches it from every principal.
func (e *Engine) DeleteRole(ctx context.Context, id uuid.UUID) error {
	err := e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		role, err := e.getRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return services.ErrSystemRole
		}
		if err := e.roles.Delete(ctx, id); err != nil {
			return services.WrapBackend("failed to delete role", err, services.ErrRoleNotFound)
		}
		inv.roles = append(inv.roles, id)
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("role deleted", zap.String("role_id", id.String()))
	return nil
}

// SetRolePermissions replaces the permission set of a custom role.
func (e *Engine) SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) (*RoleDetail, error) {
	err := e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		role, err := e.getRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return services.ErrSystemRole
		}
		if err := e.assignments.ReplaceRolePermissions(ctx, roleID, dedupe(permissionIDs)); err != nil {
			return services.WrapBackend("failed to set role permissions", err, services.ErrPermissionNotFound)
		}
		inv.roles = append(inv.roles, roleID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("role permissions replaced", zap.String("role_id", roleID.String()), zap.Int("count", len(permissionIDs)))
	return e.GetRole(ctx, roleID)
}

// AddPermissionToRole grants one more permission to a custom role.
func (e *Engine) AddPermissionToRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	return e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		role, err := e.getRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return services.ErrSystemRole
		}
		if _, err := e.permissions.GetByID(ctx, permissionID); err != nil {
			return services.WrapBackend("failed to load permission", err, services.ErrPermissionNotFound)
		}
		if err := e.assignments.AddRolePermission(ctx, roleID, permissionID); err != nil {
			return services.WrapBackend("failed to add role permission", err, services.ErrPermissionNotFound)
		}
		inv.roles = append(inv.roles, roleID)
		return nil
	})
}

// RemovePermissionFromRole revokes one permission from a custom role.
func (e *Engine) RemovePermissionFromRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	return e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		role, err := e.getRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return services.ErrSystemRole
		}
		if _, err := e.permissions.GetByID(ctx, permissionID); err != nil {
			return services.WrapBackend("failed to load permission", err, services.ErrPermissionNotFound)
		}
		removed, err := e.assignments.RemoveRolePermission(ctx, roleID, permissionID)
		if err != nil {
			return services.WrapBackend("failed to remove role permission", err, nil)
		}
		if removed {
			inv.roles = append(inv.roles, roleID)
		}
		return nil
	})
}

// AssignRole gives a role to a principal.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID uuid.UUID, assignedBy *uuid.UUID) error {
	err := e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		if _, err := e.getUser(ctx, userID); err != nil {
			return err
		}
		if _, err := e.getRole(ctx, roleID); err != nil {
			return err
		}
		assignment := &models.UserRole{UserID: userID, RoleID: roleID, AssignedAt: time.Now().UTC(), AssignedBy: assignedBy}
		if err := e.assignments.AssignRole(ctx, assignment); err != nil {
			return services.WrapBackend("failed to assign role", err, services.ErrRoleNotFound)
		}
		inv.principals = append(inv.principals, userID)
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("role assigned", zap.String("user_id", userID.String()), zap.String("role_id", roleID.String()))
	return nil
}

// RemoveRole takes a role away from a principal.
func (e *Engine) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	err := e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		if _, err := e.getUser(ctx, userID); err != nil {
			return err
		}
		if _, err := e.getRole(ctx, roleID); err != nil {
			return err
		}
		removed, err := e.assignments.RemoveRole(ctx, userID, roleID)
		if err != nil {
			return services.WrapBackend("failed to remove role", err, nil)
		}
		if removed {
			inv.principals = append(inv.principals, userID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("role removed", zap.String("user_id", userID.String()), zap.String("role_id", roleID.String()))
	return nil
}

// SetUserRoles replaces the roles of a principal and returns the new set.
func (e *Engine) SetUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, assignedBy *uuid.UUID) ([]*models.Role, error) {
	err := e.mutate(ctx, func(ctx context.Context, inv *invalidation) error {
		if _, err := e.getUser(ctx, userID); err != nil {
			return err
		}
		ids := dedupe(roleIDs)
		for _, id := range ids {
			if _, err := e.getRole(ctx, id); err != nil {
				return err
			}
		}
		if err := e.assignments.ReplaceUserRoles(ctx, userID, ids, assignedBy); err != nil {
			return services.WrapBackend("failed to set user roles", err, services.ErrRoleNotFound)
		}
		inv.principals = append(inv.principals, userID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("user roles replaced", zap.String("user_id", userID.String()), zap.Int("count", len(roleIDs)))
	return e.GetUserRoles(ctx, userID)
}

// GetUserRoles lists every role assigned to a principal, active or not.
func (e *Engine) GetUserRoles(ctx context.Context, userID uuid.UUID) ([]*models.Role, error) {
	ctx, cancel := services.Bounded(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if _, err := e.getUser(ctx, userID); err != nil {
		return nil, err
	}
	roles, err := e.assignments.ListRolesForUser(ctx, userID)
	if err != nil {
		return nil, services.WrapBackend("failed to list user roles", err, nil)
	}
	return roles, nil
}

// GetRole returns one role with its permissions and holder count.
func (e *Engine) GetRole(ctx context.Context, id uuid.UUID) (*RoleDetail, error) {
	ctx, cancel := services.Bounded(ctx, e.cfg.OperationTimeout)
	defer cancel()

	role, err := e.getRole(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.detail(ctx, role)
}

// ListRoles lists roles by descending priority.
func (e *Engine) ListRoles(ctx context.Context, includeInactive bool) ([]*RoleDetail, error) {
	ctx, cancel := services.Bounded(ctx, e.cfg.OperationTimeout)
	defer cancel()

	roles, err := e.roles.List(ctx, includeInactive)
	if err != nil {
		return nil, services.WrapBackend("failed to list roles", err, nil)
	}
	out := make([]*RoleDetail, 0, len(roles))
	for _, role := range roles {
		d, err := e.detail(ctx, role)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListPermissions lists permissions, optionally only those of one resource.
func (e *Engine) ListPermissions(ctx context.Context, resource string) ([]*models.Permission, error) {
	ctx, cancel := services.Bounded(ctx, e.cfg.OperationTimeout)
	defer cancel()

	perms, err := e.permissions.List(ctx)
	if err != nil {
		return nil, services.WrapBackend("failed to list permissions", err, nil)
	}
	if resource == "" {
		return perms, nil
	}
	out := perms[:0]
	for _, p := range perms {
		if p.Resource == resource {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) detail(ctx context.Context, role *models.Role) (*RoleDetail, error) {
	perms, err := e.assignments.ListPermissionsForRoles(ctx, []uuid.UUID{role.ID})
	if err != nil {
		return nil, services.WrapBackend("failed to list role permissions", err, nil)
	}
	holders, err := e.assignments.ListUserIDsForRole(ctx, role.ID)
	if err != nil {
		return nil, services.WrapBackend("failed to count role holders", err, nil)
	}
	if perms == nil {
		perms = []*models.Permission{}
	}
	return &RoleDetail{Role: role, Permissions: perms, UserCount: len(holders)}, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
