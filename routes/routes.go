package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"github.com/upb/authz-core/app"
	"github.com/upb/authz-core/handlers"
	"github.com/upb/authz-core/internal/bootstrap"
	"github.com/upb/authz-core/middleware"
	"github.com/upb/authz-core/utils"
)

// Permissions guarding the admin route groups.
const (
	PermissionAdminSettings = "admin:settings"
	PermissionAdminRBAC     = "admin:rbac"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           cfg.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	}).Handler)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusNotFound, "not_found", "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})

	// Health check endpoints
	checks := make(map[string]handlers.CheckFunc)
	for name, check := range deps.HealthChecks() {
		checks[name] = handlers.CheckFunc(check)
	}
	health := handlers.NewHealthHandler(checks, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	auth := handlers.NewAuthHandler(deps.Tokens, deps.Resets, deps.Permissions, deps.Logger)
	limiter := authRateLimiter(cfg.Server.AuthRateLimit)

	r.Route("/api/auth", func(r chi.Router) {
		// Public routes, rate limited per client IP
		r.With(limiter).Post("/login", auth.HandleLogin)
		r.With(limiter).Post("/forgot-password", auth.HandleForgotPassword)
		r.With(limiter).Post("/reset-password", auth.HandleResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Get("/me", auth.HandleMe)
			r.Post("/change-password", auth.HandleChangePassword)
			r.Post("/logout-all", auth.HandleLogoutAll)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		settings := handlers.NewConfigHandler(deps.Settings, bootstrap.DefaultConfig, deps.Logger)
		r.Route("/config", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequirePermission(PermissionAdminSettings))
			r.Get("/", settings.HandleList)
			r.Put("/", settings.HandleBulkUpdate)
			r.Get("/categories", settings.HandleCategories)
			r.Get("/by-category", settings.HandleByCategory)
			r.Post("/clear-cache", settings.HandleClearCache)
			r.Get("/{key}", settings.HandleGet)
			r.Put("/{key}", settings.HandleUpdate)
		})

		rbac := handlers.NewRBACHandler(deps.Permissions, deps.Tokens, deps.Logger)
		r.Route("/rbac", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequirePermission(PermissionAdminRBAC))
			r.Get("/permissions", rbac.HandleListPermissions)
			r.Get("/roles", rbac.HandleListRoles)
			r.Post("/roles", rbac.HandleCreateRole)
			r.Get("/roles/{id}", rbac.HandleGetRole)
			r.Patch("/roles/{id}", rbac.HandleUpdateRole)
			r.Delete("/roles/{id}", rbac.HandleDeleteRole)
			r.Put("/roles/{id}/permissions", rbac.HandleSetRolePermissions)
			r.Get("/users/{id}/roles", rbac.HandleGetUserRoles)
			r.Put("/users/{id}/roles", rbac.HandleSetUserRoles)
			r.Post("/users/{id}/revoke-sessions", rbac.HandleRevokeSessions)
		})
	})

	return r
}

// authRateLimiter limits credential endpoints per client IP. A non-positive
// budget disables the limit.
func authRateLimiter(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			_ = utils.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests, try again later", nil)
		}),
	)
}
