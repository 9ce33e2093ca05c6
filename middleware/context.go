package middleware

import (
	"context"

	"github.com/upb/authz-core/models"
)

type principalKey struct{}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, principal *models.User) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal set by RequireAuth, or nil.
func PrincipalFromContext(ctx context.Context) *models.User {
	if principal, ok := ctx.Value(principalKey{}).(*models.User); ok {
		return principal
	}
	return nil
}
