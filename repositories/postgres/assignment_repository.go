package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"go.uber.org/zap"
)

// AssignmentRepository implements the repositories.AssignmentRepository interface
type AssignmentRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *DB, logger *zap.Logger) repositories.AssignmentRepository {
	return &AssignmentRepository{db: db, logger: logger}
}

func uuidStrings(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (r *AssignmentRepository) AssignRole(ctx context.Context, a *models.UserRole) error {
	query := `
		INSERT INTO user_roles (user_id, role_id, assigned_at, assigned_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`
	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy)
	if err != nil {
		return classify("assign role", err)
	}
	return nil
}

func (r *AssignmentRepository) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) (bool, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, classify("remove role", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ReplaceUserRoles deletes links not in roleIDs and inserts the missing ones.
// Callers run it inside a transaction.
func (r *AssignmentRepository) ReplaceUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, assignedBy *uuid.UUID) error {
	exec := GetExecutor(ctx, r.db)
	ids := uuidStrings(roleIDs)

	if _, err := exec.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND NOT (role_id = ANY($2::uuid[]))`, userID, ids); err != nil {
		return classify("replace user roles", err)
	}
	if len(roleIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO user_roles (user_id, role_id, assigned_at, assigned_by)
		SELECT $1, unnest($2::uuid[]), NOW(), $3
		ON CONFLICT (user_id, role_id) DO NOTHING
	`
	if _, err := exec.ExecContext(ctx, query, userID, ids, assignedBy); err != nil {
		return classify("replace user roles", err)
	}
	return nil
}

func (r *AssignmentRepository) ListRolesForUser(ctx context.Context, userID uuid.UUID) ([]*models.Role, error) {
	query := `
		SELECT r.id, r.name, r.display_name, r.description, r.is_system, r.is_active, r.priority, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.priority DESC, r.name
	`
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	defer rows.Close()

	var roles []*models.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role rows: %w", err)
	}
	return roles, nil
}

func (r *AssignmentRepository) ListUserIDsForRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx,
		`SELECT user_id FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role holders: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role holders: %w", err)
	}
	return ids, nil
}

func (r *AssignmentRepository) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`, roleID, permissionID)
	if err != nil {
		return classify("add role permission", err)
	}
	return nil
}

func (r *AssignmentRepository) RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, classify("remove role permission", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ReplaceRolePermissions must run inside a transaction.
func (r *AssignmentRepository) ReplaceRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	exec := GetExecutor(ctx, r.db)
	if _, err := exec.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return classify("replace role permissions", err)
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO role_permissions (role_id, permission_id)
		SELECT $1, unnest($2::uuid[])
	`
	if _, err := exec.ExecContext(ctx, query, roleID, uuidStrings(permissionIDs)); err != nil {
		return classify("replace role permissions", err)
	}
	return nil
}

func (r *AssignmentRepository) ListPermissionsForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]*models.Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT p.id, p.name, p.resource, p.action, p.display_name, p.description, p.is_active, p.created_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = ANY($1::uuid[])
		ORDER BY p.resource, p.action
	`
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, uuidStrings(roleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}
