// Package permission resolves effective permissions from role assignments
// and decides access.
//
// A principal's effective set is the union of the active permissions of its
// active roles. Nothing is ever granted to a principal directly. The
// super-admin flag is a separate capability switched by policy; it is never
// folded into a permission set.
package permission

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Set is a set of permission names.
type Set map[string]struct{}

// NewSet builds a set from names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the sorted names.
func (s Set) Names() []string {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns a copy the caller may modify.
func (s Set) Clone() Set {
	return maps.Clone(s)
}

// Reason explains an authorization decision.
type Reason string

const (
	ReasonSuperadmin Reason = "superadmin"
	ReasonGranted    Reason = "granted"
	ReasonDenied     Reason = "denied"
	ReasonInactive   Reason = "inactive"
)

// Decision is the result of Authorize.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Config controls the engine policy.
type Config struct {
	// SuperadminBypass lets principals flagged as super-admin pass every
	// check. Such decisions carry ReasonSuperadmin.
	SuperadminBypass bool
	OperationTimeout time.Duration
}

// Engine implements permission resolution and the RBAC admin operations.
// Admin operations invalidate the cache entries they affect after their
// transaction commits.
type Engine struct {
	cfg         Config
	users       repositories.UserRepository
	roles       repositories.RoleRepository
	permissions repositories.PermissionRepository
	assignments repositories.AssignmentRepository
	txMgr       repositories.TransactionManager
	cache       *Cache
	group       singleflight.Group
	logger      *zap.Logger
}

// NewEngine creates a permission engine
func NewEngine(cfg Config, repos *repositories.Repositories, txMgr repositories.TransactionManager, cache *Cache, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		users:       repos.Users,
		roles:       repos.Roles,
		permissions: repos.Permissions,
		assignments: repos.Assignments,
		txMgr:       txMgr,
		cache:       cache,
		logger:      logger,
	}
}

// EffectivePermissions returns the principal's effective permission set.
// Inactive principals have none.
func (e *Engine) EffectivePermissions(ctx context.Context, principal *models.User) (Set, error) {
	if principal == nil || !principal.IsActive {
		return Set{}, nil
	}
	r, err := e.resolve(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	return r.perms.Clone(), nil
}

// Authorize decides whether principal holds permission.
func (e *Engine) Authorize(ctx context.Context, principal *models.User, permission string) (Decision, error) {
	if principal == nil || !principal.IsActive {
		return Decision{Allowed: false, Reason: ReasonInactive}, nil
	}
	if principal.IsSuperadmin && e.cfg.SuperadminBypass {
		return Decision{Allowed: true, Reason: ReasonSuperadmin}, nil
	}

	r, err := e.resolve(ctx, principal.ID)
	if err != nil {
		return Decision{}, err
	}
	if r.perms.Has(permission) {
		return Decision{Allowed: true, Reason: ReasonGranted}, nil
	}
	return Decision{Allowed: false, Reason: ReasonDenied}, nil
}

// Require fails with Forbidden unless principal holds every permission.
// The missing permission is only logged, at debug level.
func (e *Engine) Require(ctx context.Context, principal *models.User, permissions ...string) error {
	for _, p := range permissions {
		d, err := e.Authorize(ctx, principal, p)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return e.deny(principal, d, p)
		}
	}
	return nil
}

// RequireAny fails with Forbidden unless principal holds at least one of
// the permissions.
func (e *Engine) RequireAny(ctx context.Context, principal *models.User, permissions ...string) error {
	var last Decision
	for _, p := range permissions {
		d, err := e.Authorize(ctx, principal, p)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		last = d
	}
	return e.deny(principal, last, permissions...)
}

func (e *Engine) deny(principal *models.User, d Decision, permissions ...string) error {
	fields := []zap.Field{zap.Strings("permissions", permissions), zap.String("reason", string(d.Reason))}
	if principal != nil {
		fields = append(fields, zap.String("user_id", principal.ID.String()))
	}
	e.logger.Debug("authorization denied", fields...)

	if d.Reason == ReasonInactive {
		return services.ErrPrincipalInactive
	}
	return services.ErrForbidden
}

// HasRole reports whether principal holds the named role and the role is active.
func (e *Engine) HasRole(ctx context.Context, principal *models.User, roleName string) (bool, error) {
	if principal == nil || !principal.IsActive {
		return false, nil
	}
	if principal.IsSuperadmin && e.cfg.SuperadminBypass {
		return true, nil
	}
	r, err := e.resolve(ctx, principal.ID)
	if err != nil {
		return false, err
	}
	_, ok := r.activeRoles[roleName]
	return ok, nil
}

// CacheStats returns permission cache counters
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

// ClearCache drops every cached entry.
func (e *Engine) ClearCache() {
	e.cache.Clear()
	e.logger.Info("permission cache cleared")
}

// resolve returns the cached result or computes it. Concurrent misses for
// the same principal at the same generation share one computation; a caller
// that gives up does not cancel the shared work.
func (e *Engine) resolve(ctx context.Context, principalID uuid.UUID) (*resolved, error) {
	if r, ok := e.cache.get(principalID); ok {
		return r, nil
	}

	generation := e.cache.Generation()
	key := principalID.String() + "/" + strconv.FormatUint(generation, 10)

	ch := e.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := services.Bounded(context.WithoutCancel(ctx), e.cfg.OperationTimeout)
		defer cancel()

		r, err := e.load(loadCtx, principalID)
		if err != nil {
			return nil, err
		}
		e.cache.put(principalID, generation, r)
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*resolved), nil
	case <-ctx.Done():
		return nil, services.WrapBackend("failed to resolve permissions", ctx.Err(), nil)
	}
}

func (e *Engine) load(ctx context.Context, principalID uuid.UUID) (*resolved, error) {
	roles, err := e.assignments.ListRolesForUser(ctx, principalID)
	if err != nil {
		return nil, services.WrapBackend("failed to load role assignments", err, nil)
	}

	r := &resolved{
		perms:       Set{},
		activeRoles: make(map[string]struct{}),
		roleIDs:     make([]uuid.UUID, 0, len(roles)),
	}
	var active []uuid.UUID
	for _, role := range roles {
		r.roleIDs = append(r.roleIDs, role.ID)
		if role.IsActive {
			active = append(active, role.ID)
			r.activeRoles[role.Name] = struct{}{}
		}
	}
	if len(active) == 0 {
		return r, nil
	}

	perms, err := e.assignments.ListPermissionsForRoles(ctx, active)
	if err != nil {
		return nil, services.WrapBackend("failed to load role permissions", err, nil)
	}
	for _, p := range perms {
		if p.IsActive {
			r.perms[p.Name] = struct{}{}
		}
	}
	return r, nil
}
