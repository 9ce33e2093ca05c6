package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"go.uber.org/zap"
)

const roleColumns = `id, name, display_name, description, is_system, is_active, priority, created_at, updated_at`

// RoleRepository implements the repositories.RoleRepository interface
type RoleRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB, logger *zap.Logger) repositories.RoleRepository {
	return &RoleRepository{db: db, logger: logger}
}

func scanRole(row rowScanner) (*models.Role, error) {
	role := &models.Role{}
	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.DisplayName,
		&role.Description,
		&role.IsSystem,
		&role.IsActive,
		&role.Priority,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	query := `
		INSERT INTO roles (` + roleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		role.ID,
		role.Name,
		role.DisplayName,
		role.Description,
		role.IsSystem,
		role.IsActive,
		role.Priority,
		role.CreatedAt,
		role.UpdatedAt,
	)
	if err != nil {
		return classify("create role", err)
	}
	r.logger.Debug("role created", zap.String("name", role.Name))
	return nil
}

func (r *RoleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	role, err := scanRole(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get role", err)
	}
	return role, nil
}

func (r *RoleRepository) GetByName(ctx context.Context, name string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`
	role, err := scanRole(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, name))
	if err != nil {
		return nil, classify("get role by name", err)
	}
	return role, nil
}

func (r *RoleRepository) List(ctx context.Context, includeInactive bool) ([]*models.Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM roles
		WHERE is_active OR $1
		ORDER BY priority DESC, name
	`
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
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

// Update changes the mutable fields; name and is_system are never updated.
func (r *RoleRepository) Update(ctx context.Context, role *models.Role) error {
	query := `
		UPDATE roles
		SET display_name = $2,
		    description = $3,
		    is_active = $4,
		    priority = $5,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		role.ID,
		role.DisplayName,
		role.Description,
		role.IsActive,
		role.Priority,
	)
	if err != nil {
		return classify("update role", err)
	}
	return expectRow("update role", result)
}

// Delete removes the role; join rows go with it via ON DELETE CASCADE.
func (r *RoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return classify("delete role", err)
	}
	if err := expectRow("delete role", result); err != nil {
		return err
	}
	r.logger.Debug("role deleted", zap.String("id", id.String()))
	return nil
}
