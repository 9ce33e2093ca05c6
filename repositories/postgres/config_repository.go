package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"go.uber.org/zap"
)

const configColumns = `key, value, value_type, category, description, is_secret, is_editable, updated_at`

// ConfigRepository implements the repositories.ConfigRepository interface
type ConfigRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewConfigRepository creates a new config repository
func NewConfigRepository(db *DB, logger *zap.Logger) repositories.ConfigRepository {
	return &ConfigRepository{db: db, logger: logger}
}

func scanConfig(row rowScanner) (*models.ConfigEntry, error) {
	e := &models.ConfigEntry{}
	err := row.Scan(
		&e.Key,
		&e.Value,
		&e.ValueType,
		&e.Category,
		&e.Description,
		&e.IsSecret,
		&e.IsEditable,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *ConfigRepository) Get(ctx context.Context, key string) (*models.ConfigEntry, error) {
	query := `SELECT ` + configColumns + ` FROM app_config WHERE key = $1`
	e, err := scanConfig(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, classify("get config", err)
	}
	return e, nil
}

func (r *ConfigRepository) List(ctx context.Context) ([]*models.ConfigEntry, error) {
	query := `SELECT ` + configColumns + ` FROM app_config ORDER BY category, key`
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	var entries []*models.ConfigEntry
	for rows.Next() {
		e, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config rows: %w", err)
	}
	return entries, nil
}

// Insert adds e unless its key exists. An existing key is reported as
// ErrDuplicate without failing the statement, so a surrounding transaction
// stays usable.
func (r *ConfigRepository) Insert(ctx context.Context, e *models.ConfigEntry) error {
	query := `
		INSERT INTO app_config (` + configColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO NOTHING
	`
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		e.Key,
		e.Value,
		e.ValueType,
		e.Category,
		e.Description,
		e.IsSecret,
		e.IsEditable,
		e.UpdatedAt,
	)
	if err != nil {
		return classify("insert config", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert config %s: %w", e.Key, repositories.ErrDuplicate)
	}
	r.logger.Debug("config entry inserted", zap.String("key", e.Key))
	return nil
}

func (r *ConfigRepository) UpdateValue(ctx context.Context, key, value string, updatedAt time.Time) error {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`UPDATE app_config SET value = $2, updated_at = $3 WHERE key = $1`, key, value, updatedAt)
	if err != nil {
		return classify("update config", err)
	}
	return expectRow("update config", result)
}
