package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-core/services"
	"github.com/upb/authz-core/utils"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{"invalid credential", services.ErrInvalidCredential, http.StatusUnauthorized, "invalid_credential"},
		{"session expired", services.ErrTokenExpired, http.StatusUnauthorized, "expired"},
		{"session revoked", services.ErrTokenRevoked, http.StatusUnauthorized, "revoked"},
		{"inactive principal", services.ErrPrincipalInactive, http.StatusForbidden, "inactive"},
		{"forbidden", services.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"system role", services.ErrSystemRole, http.StatusForbidden, "forbidden"},
		{"not editable", services.ErrNotEditable.WithDetail("key", "environment"), http.StatusForbidden, "not_editable"},
		{"role not found", services.ErrRoleNotFound, http.StatusNotFound, "not_found"},
		{"unknown key", services.ErrUnknownKey, http.StatusNotFound, "unknown_key"},
		{"reset token expired", services.ErrResetTokenExpired, http.StatusGone, "expired"},
		{"already redeemed", services.ErrAlreadyRedeemed, http.StatusGone, "already_redeemed"},
		{"validation", services.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
		{"conflict", services.ErrDuplicateRole, http.StatusConflict, "conflict"},
		{"unavailable", services.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{"internal", services.ErrInternal, http.StatusInternalServerError, "internal_error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
		})
	}
}

func TestHandleServiceError_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, services.WrapBackend("failed to load user", errors.New("dial tcp: refused"), nil), zap.NewNop())

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestHandleServiceError_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	err := services.ErrInvalidCredential.Wrap(errors.New("token signature is invalid: key mismatch"))

	HandleServiceError(w, err, zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "invalid credentials", response.Message)
	assert.NotContains(t, w.Body.String(), "key mismatch")
}

func TestHandleServiceError_Details(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, services.ErrUnknownKey.WithDetail("key", "nope"), zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "nope", response.Details["key"])
}

func TestHandleValidationError(t *testing.T) {
	type body struct {
		Email string `json:"email" validate:"required,email"`
	}

	w := httptest.NewRecorder()
	HandleValidationError(w, utils.ValidateStruct(&body{Email: "x"}), zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "Validation failed", response.Message)
	assert.Contains(t, response.Details, "email")
}
