package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/authz-core/middleware"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/services"
	"github.com/upb/authz-core/services/permission"
	"github.com/upb/authz-core/utils"
	"go.uber.org/zap"
)

// RoleAdmin manages roles, permissions and assignments
type RoleAdmin interface {
	ListPermissions(ctx context.Context, resource string) ([]*models.Permission, error)
	ListRoles(ctx context.Context, includeInactive bool) ([]*permission.RoleDetail, error)
	GetRole(ctx context.Context, id uuid.UUID) (*permission.RoleDetail, error)
	CreateRole(ctx context.Context, in permission.CreateRoleInput) (*permission.RoleDetail, error)
	UpdateRole(ctx context.Context, id uuid.UUID, in permission.UpdateRoleInput) (*permission.RoleDetail, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) (*permission.RoleDetail, error)
	GetUserRoles(ctx context.Context, userID uuid.UUID) ([]*models.Role, error)
	SetUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, assignedBy *uuid.UUID) ([]*models.Role, error)
}

// SessionRevoker revokes every credential of a principal
type SessionRevoker interface {
	RevokeAll(ctx context.Context, principalID uuid.UUID) (int64, error)
}

// CreateRoleRequest is the body of POST /api/admin/rbac/roles
type CreateRoleRequest struct {
	Name          string   `json:"name" validate:"required,max=64,slug"`
	DisplayName   string   `json:"display_name" validate:"required,max=128"`
	Description   string   `json:"description" validate:"max=512"`
	Priority      int      `json:"priority" validate:"gte=0,lte=1000"`
	IsActive      *bool    `json:"is_active"`
	PermissionIDs []string `json:"permission_ids" validate:"dive,uuid"`
}

// UpdateRoleRequest is the body of PATCH /api/admin/rbac/roles/{id}
type UpdateRoleRequest struct {
	DisplayName *string `json:"display_name" validate:"omitempty,max=128"`
	Description *string `json:"description" validate:"omitempty,max=512"`
	Priority    *int    `json:"priority" validate:"omitempty,gte=0,lte=1000"`
	IsActive    *bool   `json:"is_active"`
}

// IDListRequest carries permission or role ids
type IDListRequest struct {
	IDs []string `json:"ids" validate:"dive,uuid"`
}

// RevokeSessionsResponse reports the principal's new token epoch
type RevokeSessionsResponse struct {
	TokenEpoch int64 `json:"token_epoch"`
}

// RBACHandler serves the role administration endpoints
type RBACHandler struct {
	roles    RoleAdmin
	sessions SessionRevoker
	logger   *zap.Logger
}

// NewRBACHandler creates a new RBACHandler
func NewRBACHandler(roles RoleAdmin, sessions SessionRevoker, logger *zap.Logger) *RBACHandler {
	return &RBACHandler{roles: roles, sessions: sessions, logger: logger}
}

func (h *RBACHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		HandleServiceError(w, services.ErrInvalidInput.WithDetail("id", "must be a valid UUID"), h.logger)
		return uuid.Nil, false
	}
	return id, true
}

func (h *RBACHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
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

// HandleListPermissions handles GET /api/admin/rbac/permissions?resource=
func (h *RBACHandler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.roles.ListPermissions(r.Context(), r.URL.Query().Get("resource"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, perms)
}

// HandleListRoles handles GET /api/admin/rbac/roles?include_inactive=
func (h *RBACHandler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	roles, err := h.roles.ListRoles(r.Context(), includeInactive)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, roles)
}

// HandleGetRole handles GET /api/admin/rbac/roles/{id}
func (h *RBACHandler) HandleGetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.roles.GetRole(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, role)
}

// HandleCreateRole handles POST /api/admin/rbac/roles
func (h *RBACHandler) HandleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	permIDs, err := utils.ParseUUIDs(req.PermissionIDs)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	role, err := h.roles.CreateRole(r.Context(), permission.CreateRoleInput{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		Priority:      req.Priority,
		IsActive:      req.IsActive,
		PermissionIDs: permIDs,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, role)
}

// HandleUpdateRole handles PATCH /api/admin/rbac/roles/{id}
func (h *RBACHandler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}

	role, err := h.roles.UpdateRole(r.Context(), id, permission.UpdateRoleInput{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Priority:    req.Priority,
		IsActive:    req.IsActive,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, role)
}

// HandleDeleteRole handles DELETE /api/admin/rbac/roles/{id}
func (h *RBACHandler) HandleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.roles.DeleteRole(r.Context(), id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleSetRolePermissions handles PUT /api/admin/rbac/roles/{id}/permissions
func (h *RBACHandler) HandleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req IDListRequest
	if !h.decode(w, r, &req) {
		return
	}
	permIDs, err := utils.ParseUUIDs(req.IDs)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	role, err := h.roles.SetRolePermissions(r.Context(), id, permIDs)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, role)
}

// HandleGetUserRoles handles GET /api/admin/rbac/users/{id}/roles
func (h *RBACHandler) HandleGetUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	roles, err := h.roles.GetUserRoles(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, roles)
}

// HandleSetUserRoles handles PUT /api/admin/rbac/users/{id}/roles
func (h *RBACHandler) HandleSetUserRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req IDListRequest
	if !h.decode(w, r, &req) {
		return
	}
	roleIDs, err := utils.ParseUUIDs(req.IDs)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var assignedBy *uuid.UUID
	if admin := middleware.PrincipalFromContext(r.Context()); admin != nil {
		assignedBy = &admin.ID
	}
	roles, err := h.roles.SetUserRoles(r.Context(), id, roleIDs, assignedBy)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, roles)
}

// HandleRevokeSessions handles POST /api/admin/rbac/users/{id}/revoke-sessions
func (h *RBACHandler) HandleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	epoch, err := h.sessions.RevokeAll(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, RevokeSessionsResponse{TokenEpoch: epoch})
}
