package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
)

// RoleRepository implements repositories.RoleRepository
type RoleRepository struct {
	store *Store
}

func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.roles[role.ID]; ok {
			return duplicate("role", role.ID)
		}
		for _, existing := range d.roles {
			if existing.Name == role.Name {
				return duplicate("role name", role.Name)
			}
		}
		d.roles[role.ID] = *role
		return nil
	})
}

func (r *RoleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	var out *models.Role
	err := r.store.do(ctx, func(d *state) error {
		role, ok := d.roles[id]
		if !ok {
			return notFound("role", id)
		}
		out = &role
		return nil
	})
	return out, err
}

func (r *RoleRepository) GetByName(ctx context.Context, name string) (*models.Role, error) {
	var out *models.Role
	err := r.store.do(ctx, func(d *state) error {
		for _, role := range d.roles {
			if role.Name == name {
				out = &role
				return nil
			}
		}
		return notFound("role name", name)
	})
	return out, err
}

func (r *RoleRepository) List(ctx context.Context, includeInactive bool) ([]*models.Role, error) {
	var out []*models.Role
	err := r.store.do(ctx, func(d *state) error {
		for _, role := range d.roles {
			if !includeInactive && !role.IsActive {
				continue
			}
			out = append(out, &role)
		}
		sortRoles(out)
		return nil
	})
	return out, err
}

func (r *RoleRepository) Update(ctx context.Context, role *models.Role) error {
	return r.store.do(ctx, func(d *state) error {
		cur, ok := d.roles[role.ID]
		if !ok {
			return notFound("role", role.ID)
		}
		cur.DisplayName = role.DisplayName
		cur.Description = role.Description
		cur.IsActive = role.IsActive
		cur.Priority = role.Priority
		cur.UpdatedAt = time.Now().UTC()
		d.roles[role.ID] = cur
		return nil
	})
}

// Delete removes the role and every link that references it.
func (r *RoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.roles[id]; !ok {
			return notFound("role", id)
		}
		delete(d.roles, id)
		for k := range d.userRoles {
			if k.roleID == id {
				delete(d.userRoles, k)
			}
		}
		for k := range d.rolePerms {
			if k.roleID == id {
				delete(d.rolePerms, k)
			}
		}
		return nil
	})
}

// PermissionRepository implements repositories.PermissionRepository
type PermissionRepository struct {
	store *Store
}

func (r *PermissionRepository) Create(ctx context.Context, permission *models.Permission) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.permissions[permission.ID]; ok {
			return duplicate("permission", permission.ID)
		}
		for _, existing := range d.permissions {
			if existing.Name == permission.Name {
				return duplicate("permission name", permission.Name)
			}
		}
		d.permissions[permission.ID] = *permission
		return nil
	})
}

func (r *PermissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Permission, error) {
	var out *models.Permission
	err := r.store.do(ctx, func(d *state) error {
		p, ok := d.permissions[id]
		if !ok {
			return notFound("permission", id)
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *PermissionRepository) GetByName(ctx context.Context, name string) (*models.Permission, error) {
	var out *models.Permission
	err := r.store.do(ctx, func(d *state) error {
		for _, p := range d.permissions {
			if p.Name == name {
				out = &p
				return nil
			}
		}
		return notFound("permission name", name)
	})
	return out, err
}

func (r *PermissionRepository) List(ctx context.Context) ([]*models.Permission, error) {
	var out []*models.Permission
	err := r.store.do(ctx, func(d *state) error {
		for _, p := range d.permissions {
			out = append(out, &p)
		}
		sortPermissions(out)
		return nil
	})
	return out, err
}

// AssignmentRepository implements repositories.AssignmentRepository
type AssignmentRepository struct {
	store *Store
}

func (r *AssignmentRepository) AssignRole(ctx context.Context, assignment *models.UserRole) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.users[assignment.UserID]; !ok {
			return notFound("user", assignment.UserID)
		}
		if _, ok := d.roles[assignment.RoleID]; !ok {
			return notFound("role", assignment.RoleID)
		}
		key := userRoleKey{assignment.UserID, assignment.RoleID}
		if _, ok := d.userRoles[key]; !ok {
			d.userRoles[key] = *assignment
		}
		return nil
	})
}

func (r *AssignmentRepository) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) (bool, error) {
	var removed bool
	err := r.store.do(ctx, func(d *state) error {
		key := userRoleKey{userID, roleID}
		_, removed = d.userRoles[key]
		delete(d.userRoles, key)
		return nil
	})
	return removed, err
}

func (r *AssignmentRepository) ReplaceUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, assignedBy *uuid.UUID) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.users[userID]; !ok {
			return notFound("user", userID)
		}
		for _, id := range roleIDs {
			if _, ok := d.roles[id]; !ok {
				return notFound("role", id)
			}
		}
		keep := make(map[uuid.UUID]bool, len(roleIDs))
		for _, id := range roleIDs {
			keep[id] = true
		}
		for k := range d.userRoles {
			if k.userID == userID && !keep[k.roleID] {
				delete(d.userRoles, k)
			}
		}
		now := time.Now().UTC()
		for id := range keep {
			key := userRoleKey{userID, id}
			if _, ok := d.userRoles[key]; !ok {
				d.userRoles[key] = models.UserRole{UserID: userID, RoleID: id, AssignedAt: now, AssignedBy: assignedBy}
			}
		}
		return nil
	})
}

func (r *AssignmentRepository) ListRolesForUser(ctx context.Context, userID uuid.UUID) ([]*models.Role, error) {
	var out []*models.Role
	err := r.store.do(ctx, func(d *state) error {
		for k := range d.userRoles {
			if k.userID != userID {
				continue
			}
			if role, ok := d.roles[k.roleID]; ok {
				out = append(out, &role)
			}
		}
		sortRoles(out)
		return nil
	})
	return out, err
}

func (r *AssignmentRepository) ListUserIDsForRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.store.do(ctx, func(d *state) error {
		for k := range d.userRoles {
			if k.roleID == roleID {
				out = append(out, k.userID)
			}
		}
		return nil
	})
	return out, err
}

func (r *AssignmentRepository) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.roles[roleID]; !ok {
			return notFound("role", roleID)
		}
		if _, ok := d.permissions[permissionID]; !ok {
			return notFound("permission", permissionID)
		}
		d.rolePerms[rolePermKey{roleID, permissionID}] = struct{}{}
		return nil
	})
}

func (r *AssignmentRepository) RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	var removed bool
	err := r.store.do(ctx, func(d *state) error {
		key := rolePermKey{roleID, permissionID}
		_, removed = d.rolePerms[key]
		delete(d.rolePerms, key)
		return nil
	})
	return removed, err
}

func (r *AssignmentRepository) ReplaceRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	return r.store.do(ctx, func(d *state) error {
		if _, ok := d.roles[roleID]; !ok {
			return notFound("role", roleID)
		}
		for _, id := range permissionIDs {
			if _, ok := d.permissions[id]; !ok {
				return notFound("permission", id)
			}
		}
		for k := range d.rolePerms {
			if k.roleID == roleID {
				delete(d.rolePerms, k)
			}
		}
		for _, id := range permissionIDs {
			d.rolePerms[rolePermKey{roleID, id}] = struct{}{}
		}
		return nil
	})
}

func (r *AssignmentRepository) ListPermissionsForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]*models.Permission, error) {
	var out []*models.Permission
	err := r.store.do(ctx, func(d *state) error {
		wanted := make(map[uuid.UUID]bool, len(roleIDs))
		for _, id := range roleIDs {
			wanted[id] = true
		}
		seen := make(map[uuid.UUID]bool)
		for k := range d.rolePerms {
			if !wanted[k.roleID] || seen[k.permissionID] {
				continue
			}
			if p, ok := d.permissions[k.permissionID]; ok {
				seen[k.permissionID] = true
				out = append(out, &p)
			}
		}
		sortPermissions(out)
		return nil
	})
	return out, err
}

func sortRoles(roles []*models.Role) {
	slices.SortFunc(roles, func(a, b *models.Role) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.Name, b.Name))
	})
}

func sortPermissions(perms []*models.Permission) {
	slices.SortFunc(perms, func(a, b *models.Permission) int {
		return cmp.Or(cmp.Compare(a.Resource, b.Resource), cmp.Compare(a.Action, b.Action))
	})
}
