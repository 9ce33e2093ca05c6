// Package bootstrap seeds the permission catalogue, the system roles, the
// default runtime settings and the first superadmin.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/config"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
)

// Hasher derives password digests.
type Hasher interface {
	Hash(ctx context.Context, secret string) (string, error)
}

// CacheClearer drops cached permission resolutions.
type CacheClearer interface {
	ClearCache()
}

// ConfigSeeder inserts missing runtime settings.
type ConfigSeeder interface {
	SeedDefaults(ctx context.Context, defaults []models.ConfigEntry) (added, skipped int, err error)
}

// Result counts what a seed run created.
type Result struct {
	PermissionsCreated int `json:"permissions_created"`
	RolesCreated       int `json:"roles_created"`
	ConfigAdded        int `json:"config_added"`
	ConfigSkipped      int `json:"config_skipped"`
}

// AdminInput describes a superadmin to create or promote.
type AdminInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Seeder runs idempotent bootstrap steps.
type Seeder struct {
	repos   *repositories.Repositories
	txMgr   repositories.TransactionManager
	hasher  Hasher
	perms   CacheClearer
	configs ConfigSeeder
	timeout time.Duration
	logger  *zap.Logger
}

// NewSeeder creates a seeder. perms and configs may be nil.
func NewSeeder(repos *repositories.Repositories, txMgr repositories.TransactionManager, hasher Hasher, perms CacheClearer, configs ConfigSeeder, timeout time.Duration, logger *zap.Logger) *Seeder {
	return &Seeder{
		repos:   repos,
		txMgr:   txMgr,
		hasher:  hasher,
		perms:   perms,
		configs: configs,
		timeout: timeout,
		logger:  logger,
	}
}

// Run seeds defaults when enabled and creates the configured superadmin.
func (s *Seeder) Run(ctx context.Context, cfg config.BootstrapConfig) (*Result, error) {
	result := &Result{}
	if cfg.SeedDefaults {
		var err error
		if result, err = s.SeedAll(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.SuperadminEmail != "" {
		_, _, err := s.EnsureSuperadmin(ctx, AdminInput{
			Email:     cfg.SuperadminEmail,
			Password:  cfg.SuperadminPassword,
			FirstName: cfg.SuperadminFirst,
			LastName:  cfg.SuperadminLast,
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// SeedAll seeds permissions, roles and runtime settings.
func (s *Seeder) SeedAll(ctx context.Context) (*Result, error) {
	result, err := s.SeedRBAC(ctx)
	if err != nil {
		return nil, err
	}
	if s.configs != nil {
		added, skipped, err := s.configs.SeedDefaults(ctx, DefaultConfig())
		if err != nil {
			return nil, err
		}
		result.ConfigAdded, result.ConfigSkipped = added, skipped
	}
	return result, nil
}

// SeedRBAC creates missing permissions and system roles, and resets each
// system role's permissions to its default set.
func (s *Seeder) SeedRBAC(ctx context.Context) (*Result, error) {
	ctx, cancel := services.Bounded(ctx, s.timeout)
	defer cancel()

	result := &Result{}
	err := services.WithTransaction(ctx, s.txMgr, func(ctx context.Context) error {
		byName := make(map[string]uuid.UUID, len(DefaultPermissions))
		for _, spec := range DefaultPermissions {
			p, created, err := s.ensurePermission(ctx, spec)
			if err != nil {
				return err
			}
			if created {
				result.PermissionsCreated++
			}
			byName[p.Name] = p.ID
		}

		for _, spec := range DefaultRoles {
			role, created, err := s.ensureRole(ctx, spec)
			if err != nil {
				return err
			}
			if created {
				result.RolesCreated++
			}

			var ids []uuid.UUID
			if spec.AllPermissions {
				for _, p := range DefaultPermissions {
					ids = append(ids, byName[p.Name])
				}
			} else {
				for _, name := range spec.Permissions {
					ids = append(ids, byName[name])
				}
			}
			if err := s.repos.Assignments.ReplaceRolePermissions(ctx, role.ID, ids); err != nil {
				return fmt.Errorf("failed to sync permissions of role %s: %w", spec.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, services.WrapBackend("failed to seed roles and permissions", err, nil)
	}

	if s.perms != nil {
		s.perms.ClearCache()
	}
	s.logger.Info("rbac defaults seeded",
		zap.Int("permissions_created", result.PermissionsCreated),
		zap.Int("roles_created", result.RolesCreated))
	return result, nil
}

func (s *Seeder) ensurePermission(ctx context.Context, spec PermissionSpec) (*models.Permission, bool, error) {
	p, err := s.repos.Permissions.GetByName(ctx, spec.Name)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, false, err
	}
	p, err = models.NewPermission(spec.Name, spec.DisplayName, "")
	if err != nil {
		return nil, false, err
	}
	if err := s.repos.Permissions.Create(ctx, p); err != nil {
		return nil, false, err
	}
	s.logger.Debug("created permission", zap.String("permission", p.Name))
	return p, true, nil
}

func (s *Seeder) ensureRole(ctx context.Context, spec RoleSpec) (*models.Role, bool, error) {
	role, err := s.repos.Roles.GetByName(ctx, spec.Name)
	if err == nil {
		return role, false, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, false, err
	}
	role = models.NewRole(spec.Name, spec.DisplayName, spec.Description, spec.Priority)
	role.IsSystem = true
	if err := s.repos.Roles.Create(ctx, role); err != nil {
		return nil, false, err
	}
	s.logger.Debug("created role", zap.String("role", role.Name))
	return role, true, nil
}

// EnsureSuperadmin creates a superadmin with the superadmin role, or promotes
// an existing principal with that email. The password is only required when
// the principal does not exist yet and is left unchanged otherwise.
func (s *Seeder) EnsureSuperadmin(ctx context.Context, in AdminInput) (*models.User, bool, error) {
	email := models.NormalizeEmail(in.Email)
	if email == "" {
		return nil, false, services.ErrInvalidInput.WithDetail("field", "email")
	}

	opCtx, cancel := services.Bounded(ctx, s.timeout)
	_, err := s.repos.Users.GetByEmail(opCtx, email)
	cancel()
	exists := err == nil
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, false, services.WrapBackend("failed to load user", err, nil)
	}

	var digest string
	if !exists {
		if in.Password == "" {
			return nil, false, services.ErrInvalidInput.WithDetail("field", "password")
		}
		if digest, err = s.hasher.Hash(ctx, in.Password); err != nil {
			return nil, false, err
		}
	}

	ctx, cancel = services.Bounded(ctx, s.timeout)
	defer cancel()

	created := false
	user, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context) (*models.User, error) {
		user, err := s.repos.Users.GetByEmail(ctx, email)
		switch {
		case err == nil:
			if !user.IsSuperadmin {
				user.IsSuperadmin = true
				user.UpdatedAt = time.Now().UTC()
				if err := s.repos.Users.Update(ctx, user); err != nil {
					return nil, err
				}
			}
		case errors.Is(err, repositories.ErrNotFound) && digest != "":
			user = models.NewUser(email, digest)
			user.FirstName = in.FirstName
			user.LastName = in.LastName
			user.IsSuperadmin = true
			if err := s.repos.Users.Create(ctx, user); err != nil {
				return nil, err
			}
			created = true
		case errors.Is(err, repositories.ErrNotFound):
			// Deleted between the lookup and the transaction.
			return nil, services.ErrUserNotFound
		default:
			return nil, err
		}

		role, err := s.repos.Roles.GetByName(ctx, SuperadminRole)
		if errors.Is(err, repositories.ErrNotFound) {
			return user, nil
		}
		if err != nil {
			return nil, err
		}
		err = s.repos.Assignments.AssignRole(ctx, &models.UserRole{
			UserID:     user.ID,
			RoleID:     role.ID,
			AssignedAt: time.Now().UTC(),
		})
		return user, err
	})
	if err != nil {
		return nil, false, services.WrapBackend("failed to ensure superadmin", err, nil)
	}

	if s.perms != nil {
		s.perms.ClearCache()
	}
	if created {
		s.logger.Info("created superadmin", zap.String("user_id", user.ID.String()))
	} else {
		s.logger.Info("superadmin present", zap.String("user_id", user.ID.String()))
	}
	return user, created, nil
}
