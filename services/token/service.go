// Package token issues and validates stateless session credentials.
//
// A credential is an HS256 JWT carrying the principal id and the principal's
// token epoch at issue time. Validation re-reads the live epoch, so bumping it
// revokes every outstanding credential without any per-token state.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
)

// Hasher is the subset of the credential store the token service needs.
type Hasher interface {
	Hash(ctx context.Context, secret string) (string, error)
	Verify(ctx context.Context, secret, digest string) (bool, error)
	NeedsRehash(digest string) bool
}

// Config holds credential settings. Secret is loaded once at startup.
type Config struct {
	Secret           []byte
	Issuer           string
	TTL              time.Duration
	OperationTimeout time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Claims are the JWT claims of a session credential.
type Claims struct {
	Epoch int64 `json:"epoch"`
	jwt.RegisteredClaims
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User       *models.User
	Credential *models.SessionCredential
}

// Service implements the session credential lifecycle
type Service struct {
	cfg    Config
	users  repositories.UserRepository
	txMgr  repositories.TransactionManager
	hasher Hasher
	logger *zap.Logger

	dummyOnce   sync.Once
	dummyDigest string
}

// NewService creates a token service
func NewService(cfg Config, users repositories.UserRepository, txMgr repositories.TransactionManager, hasher Hasher, logger *zap.Logger) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		cfg:    cfg,
		users:  users,
		txMgr:  txMgr,
		hasher: hasher,
		logger: logger,
	}, nil
}

// Issue signs a credential for principalID at epoch.
func (s *Service) Issue(ctx context.Context, principalID uuid.UUID, epoch int64) (*models.SessionCredential, error) {
	now := s.cfg.Now().UTC().Truncate(time.Second)
	exp := now.Add(s.cfg.TTL)

	claims := Claims{
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID.String(),
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return nil, services.WrapInternal("failed to sign session credential", err)
	}

	return &models.SessionCredential{
		Token:       signed,
		TokenType:   "bearer",
		PrincipalID: principalID,
		IssuedAt:    now,
		ExpiresAt:   exp,
	}, nil
}

// Validate checks, in order: signature, expiry, epoch against the live
// principal, and that the principal is active.
func (s *Service) Validate(ctx context.Context, tokenString string) (*models.User, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}

	principalID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, services.ErrInvalidCredential
	}

	user, err := s.loadUser(ctx, principalID)
	if err != nil {
		if services.IsNotFoundError(err) {
			return nil, services.ErrInvalidCredential
		}
		return nil, err
	}

	if claims.Epoch != user.TokenEpoch {
		return nil, services.ErrTokenRevoked
	}
	if !user.IsActive {
		return nil, services.ErrPrincipalInactive
	}
	return user, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.cfg.Now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, services.ErrTokenExpired
	default:
		return nil, services.ErrInvalidCredential.Wrap(err)
	}
}

// Login verifies an email and password and issues a credential. Unknown
// emails and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	opCtx, cancel := services.Bounded(ctx, s.cfg.OperationTimeout)
	user, err := s.users.GetByEmail(opCtx, models.NormalizeEmail(email))
	cancel()
	if err != nil {
		err = services.WrapBackend("failed to load user", err, services.ErrUserNotFound)
		if !services.IsNotFoundError(err) {
			return nil, err
		}
		// Spend the same work as a real check.
		_, _ = s.hasher.Verify(ctx, password, s.dummy(ctx))
		return nil, services.ErrInvalidCredential
	}

	ok, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		if services.IsUnavailableError(err) {
			return nil, err
		}
		s.logger.Warn("stored password digest could not be verified", zap.String("user_id", user.ID.String()), zap.Error(err))
		return nil, services.ErrInvalidCredential
	}
	if !ok {
		return nil, services.ErrInvalidCredential
	}
	if !user.IsActive {
		return nil, services.ErrPrincipalInactive
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, password)
	}

	cred, err := s.Issue(ctx, user.ID, user.TokenEpoch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", zap.String("user_id", user.ID.String()))
	return &LoginResult{User: user, Credential: cred}, nil
}

// ChangePassword replaces the password of an authenticated principal after
// checking the current one, revokes every other session and returns a fresh
// credential at the new epoch.
func (s *Service) ChangePassword(ctx context.Context, principal *models.User, current, next string) (*models.SessionCredential, error) {
	ok, err := s.hasher.Verify(ctx, current, principal.PasswordHash)
	if err != nil && services.IsUnavailableError(err) {
		return nil, err
	}
	if err != nil || !ok {
		return nil, services.ErrInvalidCredential
	}

	digest, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return nil, err
	}

	epoch, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context) (int64, error) {
		opCtx, cancel := services.Bounded(ctx, s.cfg.OperationTimeout)
		defer cancel()
		if err := s.users.UpdatePassword(opCtx, principal.ID, digest); err != nil {
			return 0, err
		}
		return s.users.BumpTokenEpoch(opCtx, principal.ID)
	})
	if err != nil {
		return nil, services.WrapBackend("failed to change password", err, services.ErrUserNotFound)
	}

	s.logger.Info("password changed", zap.String("user_id", principal.ID.String()))
	return s.Issue(ctx, principal.ID, epoch)
}

// RevokeAll invalidates every outstanding credential of the principal.
func (s *Service) RevokeAll(ctx context.Context, principalID uuid.UUID) (int64, error) {
	opCtx, cancel := services.Bounded(ctx, s.cfg.OperationTimeout)
	defer cancel()

	epoch, err := s.users.BumpTokenEpoch(opCtx, principalID)
	if err != nil {
		return 0, services.WrapBackend("failed to revoke sessions", err, services.ErrUserNotFound)
	}
	s.logger.Info("sessions revoked", zap.String("user_id", principalID.String()), zap.Int64("epoch", epoch))
	return epoch, nil
}

func (s *Service) loadUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	opCtx, cancel := services.Bounded(ctx, s.cfg.OperationTimeout)
	defer cancel()

	user, err := s.users.GetByID(opCtx, id)
	if err != nil {
		return nil, services.WrapBackend("failed to load principal", err, services.ErrUserNotFound)
	}
	return user, nil
}

func (s *Service) upgradeHash(ctx context.Context, id uuid.UUID, password string) {
	digest, err := s.hasher.Hash(ctx, password)
	if err == nil {
		opCtx, cancel := services.Bounded(ctx, s.cfg.OperationTimeout)
		err = s.users.UpdatePassword(opCtx, id, digest)
		cancel()
	}
	if err != nil {
		s.logger.Warn("password digest upgrade failed", zap.String("user_id", id.String()), zap.Error(err))
		return
	}
	s.logger.Info("password digest upgraded", zap.String("user_id", id.String()))
}

// dummy returns a digest of a random secret, computed once.
func (s *Service) dummy(ctx context.Context) string {
	s.dummyOnce.Do(func() {
		buf := make([]byte, 16)
		_, _ = rand.Read(buf)
		digest, err := s.hasher.Hash(ctx, hex.EncodeToString(buf))
		if err != nil {
			s.logger.Warn("failed to prepare timing digest", zap.Error(err))
			return
		}
		s.dummyDigest = digest
	})
	return s.dummyDigest
}

// String never reveals the signing secret.
func (c Config) String() string {
	return fmt.Sprintf("token.Config{Issuer:%q TTL:%s Secret:<redacted>}", c.Issuer, c.TTL)
}
