package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"go.uber.org/zap"
)

const permissionColumns = `id, name, resource, action, display_name, description, is_active, created_at`

// PermissionRepository implements the repositories.PermissionRepository interface
type PermissionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *DB, logger *zap.Logger) repositories.PermissionRepository {
	return &PermissionRepository{db: db, logger: logger}
}

func scanPermission(row rowScanner) (*models.Permission, error) {
	p := &models.Permission{}
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Resource,
		&p.Action,
		&p.DisplayName,
		&p.Description,
		&p.IsActive,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PermissionRepository) Create(ctx context.Context, p *models.Permission) error {
	query := `
		INSERT INTO permissions (` + permissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.Resource,
		p.Action,
		p.DisplayName,
		p.Description,
		p.IsActive,
		p.CreatedAt,
	)
	if err != nil {
		return classify("create permission", err)
	}
	r.logger.Debug("permission created", zap.String("name", p.Name))
	return nil
}

func (r *PermissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`
	p, err := scanPermission(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get permission", err)
	}
	return p, nil
}

func (r *PermissionRepository) GetByName(ctx context.Context, name string) (*models.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE name = $1`
	p, err := scanPermission(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, name))
	if err != nil {
		return nil, classify("get permission by name", err)
	}
	return p, nil
}

func (r *PermissionRepository) List(ctx context.Context) ([]*models.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions ORDER BY resource, action`
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
}

func collectPermissions(rows rowIterator) ([]*models.Permission, error) {
	var perms []*models.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permission rows: %w", err)
	}
	return perms, nil
}
