package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
)

// ResetTokenRepository implements repositories.ResetTokenRepository
type ResetTokenRepository struct {
	store *Store
}

func (r *ResetTokenRepository) Create(ctx context.Context, token *models.PasswordResetToken) error {
	return r.store.do(ctx, func(d *state) error {
		for _, t := range d.resetTokens {
			if t.TokenHash == token.TokenHash {
				return duplicate("reset token", token.ID)
			}
		}
		d.resetTokens[token.ID] = *token
		return nil
	})
}

func (r *ResetTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var out *models.PasswordResetToken
	err := r.store.do(ctx, func(d *state) error {
		for _, t := range d.resetTokens {
			if t.TokenHash == tokenHash {
				out = &t
				return nil
			}
		}
		return notFound("reset token", "<hash>")
	})
	return out, err
}

func (r *ResetTokenRepository) DeleteUnusedForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := r.store.do(ctx, func(d *state) error {
		for id, t := range d.resetTokens {
			if t.UserID == userID && !t.Used {
				delete(d.resetTokens, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *ResetTokenRepository) MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error) {
	var ok bool
	err := r.store.do(ctx, func(d *state) error {
		t, exists := d.resetTokens[id]
		if !exists || t.Used {
			return nil
		}
		t.Used = true
		t.UsedAt = &usedAt
		d.resetTokens[id] = t
		ok = true
		return nil
	})
	return ok, err
}

func (r *ResetTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.store.do(ctx, func(d *state) error {
		for id, t := range d.resetTokens {
			if t.ExpiresAt.Before(cutoff) || (t.UsedAt != nil && t.UsedAt.Before(cutoff)) {
				delete(d.resetTokens, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
