// Package resettoken issues and redeems single-use password reset tokens.
//
// A token is Issued, then either Redeemed or Expired; both end states reject
// further redemption. Only the SHA-256 of the raw value is stored, and a
// principal has at most one live token at a time.
package resettoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
)

// ExpiryConfigKey is the runtime config key holding the token lifetime in minutes.
const ExpiryConfigKey = "password_reset_expire_minutes"

const rawTokenBytes = 32

// Hasher derives password digests.
type Hasher interface {
	Hash(ctx context.Context, secret string) (string, error)
}

// IntSource reads integer runtime settings. The config cache satisfies it.
type IntSource interface {
	GetInt(ctx context.Context, key string, fallback int) int
}

// Notifier delivers a raw token to its owner, typically as an email link.
type Notifier interface {
	NotifyPasswordReset(ctx context.Context, user *models.User, rawToken string, expiresAt time.Time) error
}

// IssuedToken is the only place the raw token value exists.
type IssuedToken struct {
	Raw       string
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// String never reveals the raw value.
func (t IssuedToken) String() string {
	return fmt.Sprintf("resettoken{user=%s expires=%s}", t.UserID, t.ExpiresAt.Format(time.RFC3339))
}

// Config holds manager settings.
type Config struct {
	// TTL is used when the runtime setting is missing or not positive.
	TTL              time.Duration
	OperationTimeout time.Duration
	MinSecretLength  int
	Now              func() time.Time
}

// Manager implements the reset token lifecycle
type Manager struct {
	cfg      Config
	users    repositories.UserRepository
	tokens   repositories.ResetTokenRepository
	txMgr    repositories.TransactionManager
	hasher   Hasher
	settings IntSource
	notifier Notifier
	logger   *zap.Logger
}

// NewManager creates a reset token manager. settings and notifier may be nil.
func NewManager(cfg Config, repos *repositories.Repositories, txMgr repositories.TransactionManager, hasher Hasher, settings IntSource, notifier Notifier, logger *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		users:    repos.Users,
		tokens:   repos.ResetTokens,
		txMgr:    txMgr,
		hasher:   hasher,
		settings: settings,
		notifier: notifier,
		logger:   logger,
	}
}

// HashToken returns the stored form of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRawToken() (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (m *Manager) ttl(ctx context.Context) time.Duration {
	if m.settings == nil {
		return m.cfg.TTL
	}
	fallback := int(m.cfg.TTL / time.Minute)
	if minutes := m.settings.GetInt(ctx, ExpiryConfigKey, fallback); minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	return m.cfg.TTL
}

// RequestReset replaces any unredeemed token of the principal with a new one.
func (m *Manager) RequestReset(ctx context.Context, principalID uuid.UUID) (*IssuedToken, error) {
	raw, err := newRawToken()
	if err != nil {
		return nil, services.WrapInternal("failed to generate reset token", err)
	}

	now := m.cfg.Now().UTC()
	record := &models.PasswordResetToken{
		ID:        uuid.New(),
		UserID:    principalID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(m.ttl(ctx)),
		CreatedAt: now,
	}

	ctx, cancel := services.Bounded(ctx, m.cfg.OperationTimeout)
	defer cancel()

	var replaced int64
	err = services.WithTransaction(ctx, m.txMgr, func(ctx context.Context) error {
		if _, err := m.users.GetByID(ctx, principalID); err != nil {
			return services.WrapBackend("failed to load user", err, services.ErrUserNotFound)
		}
		n, err := m.tokens.DeleteUnusedForUser(ctx, principalID)
		if err != nil {
			return services.WrapBackend("failed to drop previous reset tokens", err, nil)
		}
		replaced = n
		if err := m.tokens.Create(ctx, record); err != nil {
			return services.WrapBackend("failed to store reset token", err, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("password reset requested",
		zap.String("user_id", principalID.String()),
		zap.Int64("replaced", replaced),
		zap.Time("expires_at", record.ExpiresAt))
	return &IssuedToken{Raw: raw, UserID: principalID, ExpiresAt: record.ExpiresAt}, nil
}

// RequestResetByEmail issues a token for the account with email and hands it
// to the notifier. Unknown or inactive accounts, and a notifier that fails,
// yield (nil, nil) so callers cannot tell whether an account exists.
func (m *Manager) RequestResetByEmail(ctx context.Context, email string) (*IssuedToken, error) {
	opCtx, cancel := services.Bounded(ctx, m.cfg.OperationTimeout)
	user, err := m.users.GetByEmail(opCtx, models.NormalizeEmail(email))
	cancel()
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, services.WrapBackend("failed to load user", err, nil)
	}
	if !user.IsActive {
		m.logger.Debug("password reset ignored for inactive user", zap.String("user_id", user.ID.String()))
		return nil, nil
	}

	issued, err := m.RequestReset(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyPasswordReset(ctx, user, issued.Raw, issued.ExpiresAt); err != nil {
			m.logger.Error("failed to dispatch reset notification",
				zap.String("user_id", user.ID.String()),
				zap.Error(err))
			return nil, nil
		}
	}
	return issued, nil
}

// Redeem consumes rawToken and sets the principal's secret to newSecret.
// Marking the token used, replacing the digest and revoking existing
// sessions commit together or not at all.
func (m *Manager) Redeem(ctx context.Context, rawToken, newSecret string) (*models.User, error) {
	if rawToken == "" {
		return nil, services.ErrResetTokenNotFound
	}
	if len(newSecret) < m.cfg.MinSecretLength {
		return nil, services.ErrInvalidInput.WithDetail("field", "new_password")
	}

	// Hashing is slow, so it happens before the transaction opens.
	digest, err := m.hasher.Hash(ctx, newSecret)
	if err != nil {
		return nil, err
	}
	tokenHash := HashToken(rawToken)

	ctx, cancel := services.Bounded(ctx, m.cfg.OperationTimeout)
	defer cancel()

	user, err := services.WithTransactionResult(ctx, m.txMgr, func(ctx context.Context) (*models.User, error) {
		record, err := m.tokens.GetByHash(ctx, tokenHash)
		if err != nil {
			return nil, services.WrapBackend("failed to load reset token", err, services.ErrResetTokenNotFound)
		}
		if record.Used {
			return nil, services.ErrAlreadyRedeemed
		}
		now := m.cfg.Now().UTC()
		if record.IsExpired(now) {
			return nil, services.ErrResetTokenExpired
		}

		claimed, err := m.tokens.MarkUsed(ctx, record.ID, now)
		if err != nil {
			return nil, services.WrapBackend("failed to redeem reset token", err, nil)
		}
		if !claimed {
			return nil, services.ErrAlreadyRedeemed
		}

		if err := m.users.UpdatePassword(ctx, record.UserID, digest); err != nil {
			return nil, services.WrapBackend("failed to update password", err, services.ErrResetTokenNotFound)
		}
		if _, err := m.users.BumpTokenEpoch(ctx, record.UserID); err != nil {
			return nil, services.WrapBackend("failed to revoke sessions", err, services.ErrResetTokenNotFound)
		}
		user, err := m.users.GetByID(ctx, record.UserID)
		if err != nil {
			return nil, services.WrapBackend("failed to load user", err, services.ErrResetTokenNotFound)
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("password reset redeemed", zap.String("user_id", user.ID.String()))
	return user, nil
}

// PurgeExpired deletes tokens that expired, or were used, before now.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := services.Bounded(ctx, m.cfg.OperationTimeout)
	defer cancel()

	n, err := m.tokens.DeleteExpired(ctx, m.cfg.Now().UTC())
	if err != nil {
		return 0, services.WrapBackend("failed to purge reset tokens", err, nil)
	}
	if n > 0 {
		m.logger.Info("purged reset tokens", zap.Int64("count", n))
	}
	return n, nil
}

// RunCleanup purges expired tokens every interval until ctx is done.
// It returns nil on cancellation.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	m.logger.Info("starting reset token cleanup", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("reset token cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("reset token cleanup stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
