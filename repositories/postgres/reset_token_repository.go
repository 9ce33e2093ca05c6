package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"go.uber.org/zap"
)

// ResetTokenRepository implements the repositories.ResetTokenRepository interface
type ResetTokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewResetTokenRepository creates a new reset token repository
func NewResetTokenRepository(db *DB, logger *zap.Logger) repositories.ResetTokenRepository {
	return &ResetTokenRepository{db: db, logger: logger}
}

func (r *ResetTokenRepository) Create(ctx context.Context, t *models.PasswordResetToken) error {
	query := `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, used, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.Used, t.UsedAt, t.CreatedAt)
	if err != nil {
		return classify("create reset token", err)
	}
	return nil
}

func (r *ResetTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, used, used_at, created_at
		FROM password_reset_tokens
		WHERE token_hash = $1
	`
	t := &models.PasswordResetToken{}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, tokenHash).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		return nil, classify("get reset token", err)
	}
	return t, nil
}

func (r *ResetTokenRepository) DeleteUnusedForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM password_reset_tokens WHERE user_id = $1 AND NOT used`, userID)
	if err != nil {
		return 0, classify("delete unused reset tokens", err)
	}
	return result.RowsAffected()
}

// MarkUsed is a compare-and-set on the used flag.
func (r *ResetTokenRepository) MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`UPDATE password_reset_tokens SET used = true, used_at = $2 WHERE id = $1 AND NOT used`, id, usedAt)
	if err != nil {
		return false, classify("mark reset token used", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *ResetTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM password_reset_tokens WHERE expires_at < $1 OR (used AND used_at < $1)`, cutoff)
	if err != nil {
		return 0, classify("purge reset tokens", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.logger.Debug("purged reset tokens", zap.Int64("count", n))
	}
	return n, nil
}
