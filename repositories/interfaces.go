package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
)

var (
	// ErrNotFound is returned (wrapped) when a lookup matches no row.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned (wrapped) when an insert violates a unique key.
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager runs work inside a unit of work. The context passed to fn
// carries the transaction; repository calls made with it join the transaction.
type TransactionManager interface {
	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UserRepository handles principal data operations
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByEmail retrieves a user by normalized email
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// List retrieves users with pagination
	List(ctx context.Context, limit, offset int) ([]*models.User, error)

	// Update updates profile, active and superadmin fields
	Update(ctx context.Context, user *models.User) error

	// UpdatePassword replaces the stored password digest
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// BumpTokenEpoch atomically increments the token epoch and returns the new value
	BumpTokenEpoch(ctx context.Context, id uuid.UUID) (int64, error)
}

// RoleRepository handles role data operations
type RoleRepository interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Role, error)
	GetByName(ctx context.Context, name string) (*models.Role, error)

	// List returns roles ordered by descending priority, then name
	List(ctx context.Context, includeInactive bool) ([]*models.Role, error)

	Update(ctx context.Context, role *models.Role) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PermissionRepository handles permission data operations
type PermissionRepository interface {
	Create(ctx context.Context, permission *models.Permission) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Permission, error)
	GetByName(ctx context.Context, name string) (*models.Permission, error)

	// List returns permissions ordered by resource, then action
	List(ctx context.Context) ([]*models.Permission, error)
}

// AssignmentRepository handles the user_roles and role_permissions join tables
type AssignmentRepository interface {
	// AssignRole links a user to a role; assigning an existing link is a no-op
	AssignRole(ctx context.Context, assignment *models.UserRole) error

	// RemoveRole unlinks a user from a role and reports whether a link existed
	RemoveRole(ctx context.Context, userID, roleID uuid.UUID) (bool, error)

	// ReplaceUserRoles sets the user's roles to exactly roleIDs
	ReplaceUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, assignedBy *uuid.UUID) error

	// ListRolesForUser returns every role assigned to the user, active or not
	ListRolesForUser(ctx context.Context, userID uuid.UUID) ([]*models.Role, error)

	// ListUserIDsForRole returns the users holding the role
	ListUserIDsForRole(ctx context.Context, roleID uuid.UUID) ([]uuid.UUID, error)

	// AddRolePermission links a role to a permission; an existing link is a no-op
	AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error

	// RemoveRolePermission unlinks a role from a permission and reports whether a link existed
	RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error)

	// ReplaceRolePermissions sets the role's permissions to exactly permissionIDs
	ReplaceRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error

	// ListPermissionsForRoles returns the distinct permissions linked to any of roleIDs
	ListPermissionsForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]*models.Permission, error)
}

// ResetTokenRepository handles password reset token storage
type ResetTokenRepository interface {
	Create(ctx context.Context, token *models.PasswordResetToken) error

	// GetByHash retrieves a token by the hex SHA-256 of its raw value
	GetByHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)

	// DeleteUnusedForUser removes every unredeemed token of the user
	DeleteUnusedForUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// MarkUsed flips used from false to true. It returns false when the token
	// was already used, which lets concurrent redemptions race safely.
	MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error)

	// DeleteExpired removes tokens that expired before cutoff or were used before it
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigRepository handles application configuration rows
type ConfigRepository interface {
	Get(ctx context.Context, key string) (*models.ConfigEntry, error)

	// List returns every entry ordered by category, then key
	List(ctx context.Context) ([]*models.ConfigEntry, error)

	// Insert adds a new entry; an existing key yields ErrDuplicate
	Insert(ctx context.Context, entry *models.ConfigEntry) error

	// UpdateValue changes the value of an existing entry
	UpdateValue(ctx context.Context, key, value string, updatedAt time.Time) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users       UserRepository
	Roles       RoleRepository
	Permissions PermissionRepository
	Assignments AssignmentRepository
	ResetTokens ResetTokenRepository
	Config      ConfigRepository
}
