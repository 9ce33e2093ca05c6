package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/authz-core/repositories"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeInvalidCredential ErrorType = "invalid_credential"
	ErrorTypeExpired           ErrorType = "expired"
	ErrorTypeRevoked           ErrorType = "revoked"
	ErrorTypeInactive          ErrorType = "inactive"
	ErrorTypeForbidden         ErrorType = "forbidden"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeAlreadyRedeemed   ErrorType = "already_redeemed"
	ErrorTypeNotEditable       ErrorType = "not_editable"
	ErrorTypeUnknownKey        ErrorType = "unknown_key"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeUnavailable       ErrorType = "unavailable"
	ErrorTypeInternal          ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type and message, so a wrapped copy
// of a sentinel still satisfies errors.Is against the sentinel.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && (t.Message == "" || e.Message == t.Message)
}

// WithDetail returns a copy of the error carrying an extra detail. Sentinels
// are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Type: e.Type, Message: e.Message, Err: e.Err, Details: details}
}

// Wrap returns a copy of the sentinel with err as its cause.
func (e *DomainError) Wrap(err error) *DomainError {
	return &DomainError{Type: e.Type, Message: e.Message, Err: err, Details: e.Details}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Domain error variables

var (
	// Credential errors
	ErrInvalidCredential = NewDomainError(ErrorTypeInvalidCredential, "invalid credentials", nil)
	ErrTokenExpired      = NewDomainError(ErrorTypeExpired, "session expired", nil)
	ErrTokenRevoked      = NewDomainError(ErrorTypeRevoked, "session revoked", nil)
	ErrPrincipalInactive = NewDomainError(ErrorTypeInactive, "account is inactive", nil)

	// Authorization errors
	ErrForbidden  = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrSystemRole = NewDomainError(ErrorTypeForbidden, "system roles cannot be modified", nil)

	// Not found errors
	ErrUserNotFound       = NewDomainError(ErrorTypeNotFound, "user not found", nil)
	ErrRoleNotFound       = NewDomainError(ErrorTypeNotFound, "role not found", nil)
	ErrPermissionNotFound = NewDomainError(ErrorTypeNotFound, "permission not found", nil)
	ErrResetTokenNotFound = NewDomainError(ErrorTypeNotFound, "invalid reset token", nil)
	ErrResetTokenExpired  = NewDomainError(ErrorTypeExpired, "reset token expired", nil)
	ErrAlreadyRedeemed    = NewDomainError(ErrorTypeAlreadyRedeemed, "reset token already used", nil)

	// Configuration errors
	ErrUnknownKey  = NewDomainError(ErrorTypeUnknownKey, "unknown configuration key", nil)
	ErrNotEditable = NewDomainError(ErrorTypeNotEditable, "configuration key is not editable", nil)

	// Validation and conflict errors
	ErrInvalidInput  = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrDuplicateRole = NewDomainError(ErrorTypeConflict, "role already exists", nil)
	ErrDuplicateUser = NewDomainError(ErrorTypeConflict, "user already exists", nil)

	// Infrastructure errors
	ErrUnavailable = NewDomainError(ErrorTypeUnavailable, "backing store unavailable", nil)
	ErrInternal    = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsInvalidCredentialError checks if an error is an invalid credential error
func IsInvalidCredentialError(err error) bool { return isType(err, ErrorTypeInvalidCredential) }

// IsExpiredError checks if an error is an expiry error
func IsExpiredError(err error) bool { return isType(err, ErrorTypeExpired) }

// IsRevokedError checks if an error is a revocation error
func IsRevokedError(err error) bool { return isType(err, ErrorTypeRevoked) }

// IsInactiveError checks if an error is an inactive principal error
func IsInactiveError(err error) bool { return isType(err, ErrorTypeInactive) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsAlreadyRedeemedError checks if an error reports a reset token used twice
func IsAlreadyRedeemedError(err error) bool { return isType(err, ErrorTypeAlreadyRedeemed) }

// IsNotEditableError checks if an error reports a write to a read-only key
func IsNotEditableError(err error) bool { return isType(err, ErrorTypeNotEditable) }

// IsUnknownKeyError checks if an error reports a missing configuration key
func IsUnknownKeyError(err error) bool { return isType(err, ErrorTypeUnknownKey) }

// IsUnavailableError checks if an error means the backing store could not be reached
func IsUnavailableError(err error) bool { return isType(err, ErrorTypeUnavailable) }

// IsCredentialError reports whether err rejects the presented credential
// (invalid, expired or revoked).
func IsCredentialError(err error) bool {
	return IsInvalidCredentialError(err) || IsExpiredError(err) || IsRevokedError(err)
}

// IsRetryable is true only for transient backend failures.
func IsRetryable(err error) bool {
	return IsUnavailableError(err)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapBackend classifies an error returned by a repository. Domain errors pass
// through, a missing row becomes notFound, a duplicate becomes a conflict and
// everything else, including deadlines, means the store is unavailable.
func WrapBackend(message string, err error, notFound *DomainError) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, repositories.ErrNotFound) && notFound != nil:
		return notFound.Wrap(err)
	case errors.Is(err, repositories.ErrDuplicate):
		return NewDomainError(ErrorTypeConflict, message, err)
	case errors.Is(err, context.Canceled):
		return NewDomainError(ErrorTypeUnavailable, message+": request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewDomainError(ErrorTypeUnavailable, message+": timed out", err)
	}
	return NewDomainError(ErrorTypeUnavailable, message, err)
}
