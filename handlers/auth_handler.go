package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/authz-core/middleware"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/services/permission"
	"github.com/upb/authz-core/services/resettoken"
	"github.com/upb/authz-core/services/token"
	"github.com/upb/authz-core/utils"
	"go.uber.org/zap"
)

// forgotPasswordMessage is returned whether or not the account exists.
const forgotPasswordMessage = "If the email exists, a reset link has been sent"

// SessionService issues and revokes session credentials
type SessionService interface {
	Login(ctx context.Context, email, password string) (*token.LoginResult, error)
	ChangePassword(ctx context.Context, principal *models.User, current, next string) (*models.SessionCredential, error)
	RevokeAll(ctx context.Context, principalID uuid.UUID) (int64, error)
}

// ResetService runs the password reset flow
type ResetService interface {
	RequestResetByEmail(ctx context.Context, email string) (*resettoken.IssuedToken, error)
	Redeem(ctx context.Context, rawToken, newSecret string) (*models.User, error)
}

// PermissionReader resolves what a principal may do
type PermissionReader interface {
	EffectivePermissions(ctx context.Context, principal *models.User) (permission.Set, error)
	GetUserRoles(ctx context.Context, userID uuid.UUID) ([]*models.Role, error)
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ForgotPasswordRequest is the body of POST /api/auth/forgot-password
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest is the body of POST /api/auth/reset-password
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

// ChangePasswordRequest is the body of POST /api/auth/change-password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,nefield=CurrentPassword"`
}

// TokenResponse carries a session credential
type TokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *models.User `json:"user,omitempty"`
}

// MeResponse describes the authenticated principal
type MeResponse struct {
	*models.User
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// AuthHandler handles login, session and password reset endpoints
type AuthHandler struct {
	sessions SessionService
	resets   ResetService
	perms    PermissionReader
	now      func() time.Time
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(sessions SessionService, resets ResetService, perms PermissionReader, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		resets:   resets,
		perms:    perms,
		now:      time.Now,
		logger:   logger,
	}
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := utils.DecodeJSON(w, r, dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

func (h *AuthHandler) tokenResponse(cred *models.SessionCredential, user *models.User) TokenResponse {
	return TokenResponse{
		AccessToken: cred.Token,
		TokenType:   cred.TokenType,
		ExpiresIn:   cred.ExpiresIn(h.now()),
		ExpiresAt:   cred.ExpiresAt,
		User:        user,
	}
}

// HandleLogin handles POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, h.tokenResponse(result.Credential, result.User))
}

// HandleForgotPassword handles POST /api/auth/forgot-password. The response
// is the same whether or not the account exists.
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.resets.RequestResetByEmail(r.Context(), req.Email); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteMessage(w, forgotPasswordMessage)
}

// HandleResetPassword handles POST /api/auth/reset-password
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.resets.Redeem(r.Context(), req.Token, req.NewPassword); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteMessage(w, "Password has been reset")
}

// HandleMe handles GET /api/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.PrincipalFromContext(ctx)
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	roles, err := h.perms.GetUserRoles(ctx, principal.ID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	perms, err := h.perms.EffectivePermissions(ctx, principal)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	names := make([]string, 0, len(roles))
	for _, role := range roles {
		if role.IsActive {
			names = append(names, role.Name)
		}
	}
	_ = utils.WriteOK(w, MeResponse{User: principal, Roles: names, Permissions: perms.Names()})
}

// HandleChangePassword handles POST /api/auth/change-password
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	cred, err := h.sessions.ChangePassword(r.Context(), principal, req.CurrentPassword, req.NewPassword)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, h.tokenResponse(cred, nil))
}

// HandleLogoutAll handles POST /api/auth/logout-all. Every credential of the
// caller, including the one presented, stops validating.
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	if _, err := h.sessions.RevokeAll(r.Context(), principal.ID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}
