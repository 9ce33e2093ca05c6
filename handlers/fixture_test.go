package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/internal/bootstrap"
	"github.com/upb/authz-core/middleware"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/repositories"
	"github.com/upb/authz-core/repositories/memory"
	"github.com/upb/authz-core/services/configcache"
	"github.com/upb/authz-core/services/credential"
	"github.com/upb/authz-core/services/permission"
	"github.com/upb/authz-core/services/resettoken"
	"github.com/upb/authz-core/services/token"
	"go.uber.org/zap"
)

const (
	adminEmail    = "root@example.com"
	adminPassword = "root-password"
	userEmail     = "alice@example.com"
	userPassword  = "alice-password"
)

// captureNotifier records the last raw reset token instead of mailing it.
// A non-nil fail is returned instead.
type captureNotifier struct {
	mu   sync.Mutex
	raw  string
	fail error
}

func (n *captureNotifier) NotifyPasswordReset(_ context.Context, _ *models.User, raw string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.raw = raw
	return nil
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.raw
}

type testEnv struct {
	store    *memory.Store
	repos    *repositories.Repositories
	tokens   *token.Service
	engine   *permission.Engine
	settings *configcache.Cache
	notifier *captureNotifier
	router   http.Handler
	admin    *models.User
	user     *models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	store := memory.NewStore()
	repos := store.NewRepositories()
	txMgr := store.TransactionManager()
	hasher := credential.NewStore(credential.Params{Memory: 64, Iterations: 1, Parallelism: 1}, 4, logger)

	tokens, err := token.NewService(token.Config{
		Secret:           []byte("handler-test-secret"),
		Issuer:           "authz-test",
		TTL:              time.Hour,
		OperationTimeout: time.Second,
	}, repos.Users, txMgr, hasher, logger)
	require.NoError(t, err)

	cache, err := permission.NewCache(64)
	require.NoError(t, err)
	engine := permission.NewEngine(permission.Config{SuperadminBypass: true, OperationTimeout: time.Second}, repos, txMgr, cache, logger)
	settings := configcache.New(configcache.Config{OperationTimeout: time.Second}, repos.Config, txMgr, nil, logger)
	notifier := &captureNotifier{}
	resets := resettoken.NewManager(resettoken.Config{
		TTL:              30 * time.Minute,
		OperationTimeout: time.Second,
		MinSecretLength:  8,
	}, repos, txMgr, hasher, settings, notifier, logger)

	seeder := bootstrap.NewSeeder(repos, txMgr, hasher, engine, settings, time.Second, logger)
	_, err = seeder.SeedAll(ctx)
	require.NoError(t, err)
	admin, _, err := seeder.EnsureSuperadmin(ctx, bootstrap.AdminInput{Email: adminEmail, Password: adminPassword})
	require.NoError(t, err)

	digest, err := hasher.Hash(ctx, userPassword)
	require.NoError(t, err)
	user := models.NewUser(userEmail, digest)
	user.FirstName = "Alice"
	require.NoError(t, repos.Users.Create(ctx, user))
	userRole, err := repos.Roles.GetByName(ctx, "user")
	require.NoError(t, err)
	require.NoError(t, engine.AssignRole(ctx, user.ID, userRole.ID, &admin.ID))

	auth := middleware.NewAuthMiddleware(tokens, engine, logger)
	authH := NewAuthHandler(tokens, resets, engine, logger)
	configH := NewConfigHandler(settings, bootstrap.DefaultConfig, logger)
	rbacH := NewRBACHandler(engine, tokens, logger)

	r := chi.NewRouter()
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", authH.HandleLogin)
		r.Post("/forgot-password", authH.HandleForgotPassword)
		r.Post("/reset-password", authH.HandleResetPassword)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Get("/me", authH.HandleMe)
			r.Post("/change-password", authH.HandleChangePassword)
			r.Post("/logout-all", authH.HandleLogoutAll)
		})
	})
	r.Route("/api/admin/config", func(r chi.Router) {
		r.Use(auth.RequireAuth, auth.RequirePermission("admin:settings"))
		r.Get("/", configH.HandleList)
		r.Put("/", configH.HandleBulkUpdate)
		r.Get("/categories", configH.HandleCategories)
		r.Get("/by-category", configH.HandleByCategory)
		r.Post("/clear-cache", configH.HandleClearCache)
		r.Get("/{key}", configH.HandleGet)
		r.Put("/{key}", configH.HandleUpdate)
	})
	r.Route("/api/admin/rbac", func(r chi.Router) {
		r.Use(auth.RequireAuth, auth.RequirePermission("admin:rbac"))
		r.Get("/permissions", rbacH.HandleListPermissions)
		r.Get("/roles", rbacH.HandleListRoles)
		r.Post("/roles", rbacH.HandleCreateRole)
		r.Get("/roles/{id}", rbacH.HandleGetRole)
		r.Patch("/roles/{id}", rbacH.HandleUpdateRole)
		r.Delete("/roles/{id}", rbacH.HandleDeleteRole)
		r.Put("/roles/{id}/permissions", rbacH.HandleSetRolePermissions)
		r.Get("/users/{id}/roles", rbacH.HandleGetUserRoles)
		r.Put("/users/{id}/roles", rbacH.HandleSetUserRoles)
		r.Post("/users/{id}/revoke-sessions", rbacH.HandleRevokeSessions)
	})

	return &testEnv{
		store:    store,
		repos:    repos,
		tokens:   tokens,
		engine:   engine,
		settings: settings,
		notifier: notifier,
		router:   r,
		admin:    admin,
		user:     user,
	}
}

// do sends a request with an optional JSON body and bearer token.
func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.AccessToken)
	return resp.Data.AccessToken
}

// data decodes the data field of a success response into dst.
func data(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

// errorCode decodes the code of an error response.
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}
