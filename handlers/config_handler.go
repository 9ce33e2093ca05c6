package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/authz-core/models"
	"github.com/upb/authz-core/services/configcache"
	"github.com/upb/authz-core/utils"
	"go.uber.org/zap"
)

// SettingsStore is the runtime configuration surface
type SettingsStore interface {
	Get(ctx context.Context, key string) (*models.ConfigEntry, error)
	List(ctx context.Context, category string) ([]models.ConfigEntry, error)
	Categories(ctx context.Context) ([]string, error)
	GetByCategory(ctx context.Context) ([]configcache.CategoryGroup, error)
	Set(ctx context.Context, key, value string) (*models.ConfigEntry, error)
	BulkSet(ctx context.Context, values map[string]string) ([]models.ConfigEntry, error)
	SeedDefaults(ctx context.Context, defaults []models.ConfigEntry) (added, skipped int, err error)
}

// UpdateConfigRequest is the body of PUT /api/admin/config/{key}
type UpdateConfigRequest struct {
	Value *string `json:"value" validate:"required"`
}

// BulkUpdateConfigRequest is the body of PUT /api/admin/config
type BulkUpdateConfigRequest struct {
	Values map[string]string `json:"values" validate:"required,min=1"`
}

// ClearCacheResponse reports what clear-cache seeded
type ClearCacheResponse struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// ConfigHandler serves the admin configuration endpoints
type ConfigHandler struct {
	settings SettingsStore
	defaults func() []models.ConfigEntry
	logger   *zap.Logger
}

// NewConfigHandler creates a new ConfigHandler. defaults supplies the entries
// clear-cache re-seeds.
func NewConfigHandler(settings SettingsStore, defaults func() []models.ConfigEntry, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{settings: settings, defaults: defaults, logger: logger}
}

// HandleList handles GET /api/admin/config?category=
func (h *ConfigHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.settings.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, entries)
}

// HandleCategories handles GET /api/admin/config/categories
func (h *ConfigHandler) HandleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.settings.Categories(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, categories)
}

// HandleByCategory handles GET /api/admin/config/by-category
func (h *ConfigHandler) HandleByCategory(w http.ResponseWriter, r *http.Request) {
	groups, err := h.settings.GetByCategory(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, groups)
}

// HandleGet handles GET /api/admin/config/{key}. Secrets are masked.
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := h.settings.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, entry.Masked())
}

// HandleUpdate handles PUT /api/admin/config/{key}
func (h *ConfigHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	entry, err := h.settings.Set(r.Context(), chi.URLParam(r, "key"), *req.Value)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, entry)
}

// HandleBulkUpdate handles PUT /api/admin/config. Either every value is
// applied or none is.
func (h *ConfigHandler) HandleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req BulkUpdateConfigRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	updated, err := h.settings.BulkSet(r.Context(), req.Values)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, updated)
}

// HandleClearCache handles POST /api/admin/config/clear-cache. Missing
// defaults are re-seeded and every instance reloads from the store.
func (h *ConfigHandler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	added, skipped, err := h.settings.SeedDefaults(r.Context(), h.defaults())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, ClearCacheResponse{Added: added, Skipped: skipped})
}
