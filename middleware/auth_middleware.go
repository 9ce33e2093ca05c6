package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/authz-core/internal/observability"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/services"
	"github.com/upb/authz-core/utils"
	"go.uber.org/zap"
)

// Authenticator resolves a presented bearer credential to its principal
type Authenticator interface {
	Validate(ctx context.Context, token string) (*models.User, error)
}

// Authorizer checks a principal's permissions
type Authorizer interface {
	Require(ctx context.Context, principal *models.User, permissions ...string) error
	RequireAny(ctx context.Context, principal *models.User, permissions ...string) error
}

// AuthMiddleware provides authentication and permission middleware
type AuthMiddleware struct {
	authenticator Authenticator
	authorizer    Authorizer
	logger        *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(authenticator Authenticator, authorizer Authorizer, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		authorizer:    authorizer,
		logger:        logger,
	}
}

// RequireAuth rejects requests without a valid bearer credential and stores
// the principal in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.FromContext(ctx, m.logger)

		token := extractBearerToken(r)
		if token == "" {
			logger.Debug("missing bearer token")
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		principal, err := m.authenticator.Validate(ctx, token)
		if err != nil {
			logger.Info("credential rejected", zap.String("reason", string(services.GetErrorType(err))))
			m.writeError(w, logger, err)
			return
		}

		logger.Debug("authentication successful", zap.String("user_id", principal.ID.String()))
		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
	})
}

// RequirePermission allows the request only if the principal holds every
// permission. It must run after RequireAuth.
func (m *AuthMiddleware) RequirePermission(permissions ...string) func(http.Handler) http.Handler {
	return m.check(func(ctx context.Context, principal *models.User) error {
		return m.authorizer.Require(ctx, principal, permissions...)
	})
}

// RequireAnyPermission allows the request if the principal holds at least
// one of the permissions. It must run after RequireAuth.
func (m *AuthMiddleware) RequireAnyPermission(permissions ...string) func(http.Handler) http.Handler {
	return m.check(func(ctx context.Context, principal *models.User) error {
		return m.authorizer.RequireAny(ctx, principal, permissions...)
	})
}

func (m *AuthMiddleware) check(fn func(ctx context.Context, principal *models.User) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := observability.FromContext(ctx, m.logger)

			principal := PrincipalFromContext(ctx)
			if principal == nil {
				logger.Error("principal not found in context")
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}
			if err := fn(ctx, principal); err != nil {
				m.writeError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders authentication and authorization failures. Forbidden
// responses never name the missing permission.
func (m *AuthMiddleware) writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var writeErr error
	switch {
	case services.IsCredentialError(err):
		writeErr = utils.WriteUnauthorized(w, "Invalid or expired credential")
	case services.IsInactiveError(err):
		writeErr = utils.WriteError(w, http.StatusForbidden, "inactive", "Account is inactive", nil)
	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, "Insufficient permissions")
	case services.IsUnavailableError(err):
		logger.Warn("authorization backend unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, "", 5)
	default:
		logger.Error("authorization failed", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "")
	}
	if writeErr != nil {
		logger.Error("failed to write auth error response", zap.Error(writeErr))
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
