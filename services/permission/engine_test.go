package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/repositories/memory"
	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	engine *Engine
	cache  *Cache
	store  *memory.Store
	repos  *repositories.Repositories
	perms  map[string]*models.Permission
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, bypass bool) *fixture {
	t.Helper()
	store := memory.NewStore()
	repos := store.NewRepositories()
	cache, err := NewCache(100)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	engine := NewEngine(Config{SuperadminBypass: bypass, OperationTimeout: time.Second},
		repos, store.TransactionManager(), cache, zap.New(core))

	f := &fixture{engine: engine, cache: cache, store: store, repos: repos, perms: map[string]*models.Permission{}, logs: logs}
	for _, name := range []string{"users:read", "users:write", "users:delete", "admin:access"} {
		p, err := models.NewPermission(name, name, "")
		require.NoError(t, err)
		require.NoError(t, repos.Permissions.Create(context.Background(), p))
		f.perms[name] = p
	}
	return f
}

func (f *fixture) user(t *testing.T, email string) *models.User {
	t.Helper()
	u := models.NewUser(email, "digest")
	require.NoError(t, f.repos.Users.Create(context.Background(), u))
	return u
}

func (f *fixture) role(t *testing.T, name string, perms ...string) *models.Role {
	t.Helper()
	ctx := context.Background()
	r := models.NewRole(name, name, "", 0)
	require.NoError(t, f.repos.Roles.Create(ctx, r))
	for _, p := range perms {
		require.NoError(t, f.repos.Assignments.AddRolePermission(ctx, r.ID, f.perms[p].ID))
	}
	return r
}

func TestEngine_EffectivePermissionsIsUnionOfActiveRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	reader := f.role(t, "reader", "users:read")
	writer := f.role(t, "writer", "users:write", "users:read")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, reader.ID, nil))
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, writer.ID, nil))

	set, err := f.engine.EffectivePermissions(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:read", "users:write"}, set.Names())

	// Deactivating a role excludes its permissions while the edge remains.
	inactive := false
	_, err = f.engine.UpdateRole(ctx, writer.ID, UpdateRoleInput{IsActive: &inactive})
	require.NoError(t, err)

	set, err = f.engine.EffectivePermissions(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:read"}, set.Names())

	roles, err := f.engine.GetUserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, roles, 2)
}

func TestEngine_InactivePermissionExcluded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")

	p, err := models.NewPermission("reports:read", "Reports", "")
	require.NoError(t, err)
	p.IsActive = false
	require.NoError(t, f.repos.Permissions.Create(ctx, p))
	f.perms[p.Name] = p

	r := f.role(t, "analyst", "users:read", "reports:read")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, r.ID, nil))

	set, err := f.engine.EffectivePermissions(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:read"}, set.Names())
}

func TestEngine_AuthorizeAfterAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	reader := f.role(t, "reader", "users:read")
	writer := f.role(t, "writer", "users:write")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, reader.ID, nil))

	d, err := f.engine.Authorize(ctx, u, "users:write")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonDenied}, d)

	require.NoError(t, f.engine.AssignRole(ctx, u.ID, writer.ID, nil))

	d, err = f.engine.Authorize(ctx, u, "users:write")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Reason: ReasonGranted}, d)

	require.NoError(t, f.engine.RemoveRole(ctx, u.ID, writer.ID))
	d, err = f.engine.Authorize(ctx, u, "users:write")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestEngine_RolePermissionChangeReachesHolders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	r := f.role(t, "editor", "users:read")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, r.ID, nil))

	d, err := f.engine.Authorize(ctx, u, "users:delete")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, f.engine.AddPermissionToRole(ctx, r.ID, f.perms["users:delete"].ID))
	d, err = f.engine.Authorize(ctx, u, "users:delete")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, f.engine.RemovePermissionFromRole(ctx, r.ID, f.perms["users:delete"].ID))
	d, err = f.engine.Authorize(ctx, u, "users:delete")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	_, err = f.engine.SetRolePermissions(ctx, r.ID, []uuid.UUID{f.perms["admin:access"].ID})
	require.NoError(t, err)
	set, err := f.engine.EffectivePermissions(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin:access"}, set.Names())

	require.NoError(t, f.engine.DeleteRole(ctx, r.ID))
	set, err = f.engine.EffectivePermissions(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestEngine_InvalidationIsTargeted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	alice := f.user(t, "alice@example.com")
	bob := f.user(t, "bob@example.com")
	ra := f.role(t, "role-a", "users:read")
	rb := f.role(t, "role-b", "users:write")
	require.NoError(t, f.engine.AssignRole(ctx, alice.ID, ra.ID, nil))
	require.NoError(t, f.engine.AssignRole(ctx, bob.ID, rb.ID, nil))

	_, err := f.engine.EffectivePermissions(ctx, alice)
	require.NoError(t, err)
	_, err = f.engine.EffectivePermissions(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, 2, f.cache.Stats().Size)

	// Editing role A drops only alice.
	require.NoError(t, f.engine.AddPermissionToRole(ctx, ra.ID, f.perms["users:delete"].ID))
	assert.Equal(t, 1, f.cache.Stats().Size)
	_, ok := f.cache.get(bob.ID)
	assert.True(t, ok)
	_, ok = f.cache.get(alice.ID)
	assert.False(t, ok)

	// Changing bob's assignments drops only bob.
	_, err = f.engine.EffectivePermissions(ctx, alice)
	require.NoError(t, err)
	_, err = f.engine.SetUserRoles(ctx, bob.ID, []uuid.UUID{ra.ID}, &alice.ID)
	require.NoError(t, err)
	_, ok = f.cache.get(alice.ID)
	assert.True(t, ok)
	_, ok = f.cache.get(bob.ID)
	assert.False(t, ok)

	set, err := f.engine.EffectivePermissions(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:delete", "users:read"}, set.Names())
}

func TestEngine_SuperadminBypassPolicy(t *testing.T) {
	ctx := context.Background()

	on := newFixture(t, true)
	admin := on.user(t, "root@example.com")
	admin.IsSuperadmin = true

	d, err := on.engine.Authorize(ctx, admin, "anything:at-all")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Reason: ReasonSuperadmin}, d)

	// The flag is never folded into the permission set.
	set, err := on.engine.EffectivePermissions(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, set)

	ok, err := on.engine.HasRole(ctx, admin, "admin")
	require.NoError(t, err)
	assert.True(t, ok)

	off := newFixture(t, false)
	admin2 := off.user(t, "root@example.com")
	admin2.IsSuperadmin = true
	d, err = off.engine.Authorize(ctx, admin2, "anything:at-all")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonDenied}, d)

	// Inactive wins over the flag.
	admin.IsActive = false
	d, err = on.engine.Authorize(ctx, admin, "anything:at-all")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonInactive}, d)
}

func TestEngine_InactivePrincipal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	r := f.role(t, "reader", "users:read")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, r.ID, nil))
	u.IsActive = false

	set, err := f.engine.EffectivePermissions(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, set)

	d, err := f.engine.Authorize(ctx, u, "users:read")
	require.NoError(t, err)
	assert.Equal(t, ReasonInactive, d.Reason)

	err = f.engine.Require(ctx, u, "users:read")
	assert.ErrorIs(t, err, services.ErrPrincipalInactive)

	ok, err := f.engine.HasRole(ctx, u, "reader")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_RequireDoesNotNameMissingPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	r := f.role(t, "reader", "users:read")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, r.ID, nil))

	assert.NoError(t, f.engine.Require(ctx, u, "users:read"))

	err := f.engine.Require(ctx, u, "users:read", "users:delete")
	require.ErrorIs(t, err, services.ErrForbidden)
	assert.NotContains(t, err.Error(), "users:delete")

	denied := f.logs.FilterMessage("authorization denied").All()
	require.Len(t, denied, 1)
	assert.Equal(t, zapcore.DebugLevel, denied[0].Level)

	assert.NoError(t, f.engine.RequireAny(ctx, u, "users:delete", "users:read"))
	assert.ErrorIs(t, f.engine.RequireAny(ctx, u, "users:delete", "admin:access"), services.ErrForbidden)
}

func TestEngine_HasRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	r := f.role(t, "support")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, r.ID, nil))

	ok, err := f.engine.HasRole(ctx, u, "support")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.HasRole(ctx, u, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_BackendFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")

	f.store.SetFailure(errors.New("connection reset"))
	_, err := f.engine.Authorize(ctx, u, "users:read")
	require.Error(t, err)
	assert.True(t, services.IsUnavailableError(err))
	assert.False(t, services.IsForbiddenError(err))

	err = f.engine.Require(ctx, u, "users:read")
	assert.True(t, services.IsRetryable(err))
}

func TestEngine_SystemRoleRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	sys := models.NewRole("admin", "Administrator", "", 100)
	sys.IsSystem = true
	require.NoError(t, f.repos.Roles.Create(ctx, sys))

	name := "Renamed"
	_, err := f.engine.UpdateRole(ctx, sys.ID, UpdateRoleInput{DisplayName: &name})
	assert.ErrorIs(t, err, services.ErrSystemRole)

	_, err = f.engine.UpdateRole(ctx, sys.ID, UpdateRoleInput{})
	assert.ErrorIs(t, err, services.ErrSystemRole)

	assert.ErrorIs(t, f.engine.DeleteRole(ctx, sys.ID), services.ErrSystemRole)

	_, err = f.engine.SetRolePermissions(ctx, sys.ID, nil)
	assert.ErrorIs(t, err, services.ErrSystemRole)

	inactive := false
	detail, err := f.engine.UpdateRole(ctx, sys.ID, UpdateRoleInput{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, detail.IsActive)
}

func TestEngine_CreateRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	detail, err := f.engine.CreateRole(ctx, CreateRoleInput{
		Name:          "auditor",
		DisplayName:   "Auditor",
		PermissionIDs: []uuid.UUID{f.perms["users:read"].ID, f.perms["users:read"].ID},
	})
	require.NoError(t, err)
	assert.False(t, detail.IsSystem)
	require.Len(t, detail.Permissions, 1)
	assert.Equal(t, "users:read", detail.Permissions[0].Name)

	_, err = f.engine.CreateRole(ctx, CreateRoleInput{Name: "auditor"})
	assert.ErrorIs(t, err, services.ErrDuplicateRole)

	_, err = f.engine.CreateRole(ctx, CreateRoleInput{Name: "bad name"})
	assert.True(t, services.IsValidationError(err))

	// An unknown permission rolls the whole create back.
	_, err = f.engine.CreateRole(ctx, CreateRoleInput{Name: "ghostly", PermissionIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, services.ErrPermissionNotFound)
	_, err = f.repos.Roles.GetByName(ctx, "ghostly")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	roles, err := f.engine.ListRoles(ctx, true)
	require.NoError(t, err)
	assert.Len(t, roles, 1)
}

func TestEngine_NotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	r := f.role(t, "reader")

	assert.ErrorIs(t, f.engine.AssignRole(ctx, uuid.New(), r.ID, nil), services.ErrUserNotFound)
	assert.ErrorIs(t, f.engine.AssignRole(ctx, u.ID, uuid.New(), nil), services.ErrRoleNotFound)
	assert.ErrorIs(t, f.engine.DeleteRole(ctx, uuid.New()), services.ErrRoleNotFound)
	assert.ErrorIs(t, f.engine.AddPermissionToRole(ctx, r.ID, uuid.New()), services.ErrPermissionNotFound)

	_, err := f.engine.SetUserRoles(ctx, u.ID, []uuid.UUID{r.ID, uuid.New()}, nil)
	assert.ErrorIs(t, err, services.ErrRoleNotFound)
}

func TestEngine_ListPermissions(t *testing.T) {
	f := newFixture(t, true)

	all, err := f.engine.ListPermissions(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	users, err := f.engine.ListPermissions(context.Background(), "users")
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestEngine_ConcurrentResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	u := f.user(t, "a@example.com")
	r := f.role(t, "reader", "users:read")
	require.NoError(t, f.engine.AssignRole(ctx, u.ID, r.ID, nil))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.engine.Require(ctx, u, "users:read"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, 1, f.cache.Stats().Size)
}
