package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/authz-core/services"
	"github.com/upb/authz-core/utils"
	"go.uber.org/zap"
)

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = 5

// HandleServiceError maps domain errors to HTTP responses.
// Only the domain message reaches the client; causes are logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	message := clientMessage(err)
	details := services.GetErrorDetails(err)
	errType := services.GetErrorType(err)

	var writeErr error
	switch {
	case errors.Is(err, services.ErrResetTokenExpired), services.IsAlreadyRedeemedError(err):
		// The client should request a new link.
		writeErr = utils.WriteError(w, http.StatusGone, string(errType), message, details)

	case services.IsCredentialError(err):
		writeErr = utils.WriteError(w, http.StatusUnauthorized, string(errType), message, nil)

	case services.IsInactiveError(err), services.IsForbiddenError(err), services.IsNotEditableError(err):
		writeErr = utils.WriteError(w, http.StatusForbidden, string(errType), message, details)

	case services.IsNotFoundError(err), services.IsUnknownKeyError(err):
		writeErr = utils.WriteError(w, http.StatusNotFound, string(errType), message, details)

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.IsConflictError(err):
		writeErr = utils.WriteError(w, http.StatusConflict, "conflict", message, details)

	case services.IsUnavailableError(err):
		logger.Warn("backing service unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, message, RetryAfterSeconds)

	default:
		logger.Error("internal server error",
			zap.Error(err),
			zap.String("error_type", string(errType)))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
	logger.Debug("handled service error",
		zap.String("type", string(errType)),
		zap.Error(err))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

func clientMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "An internal error occurred"
}
