// Package apperrors defines the error taxonomy surfaced by the routing core.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Type classifies an error for propagation and retry decisions.
type Type string

const (
	TypeValidation  Type = "validation"
	TypeNotFound    Type = "not_found"
	TypeTransient   Type = "transient"
	TypeConflict    Type = "conflict"
	TypeUnavailable Type = "unavailable"
	TypeInternal    Type = "internal"
)

// Stable codes returned to API clients.
const (
	CodeInvalidDestination  = "INVALID_DESTINATION"
	CodeInvalidOrganization = "INVALID_ORGANIZATION"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeNoRoutesFound       = "NO_ROUTES_FOUND"
	CodeProfileNotFound     = "PROFILE_NOT_FOUND"
	CodeRouteNotFound       = "ROUTE_NOT_FOUND"
	CodeGatewayNotFound     = "GATEWAY_NOT_FOUND"
	CodeCarrierNotFound     = "CARRIER_NOT_FOUND"
	CodeRouteConflict       = "ROUTE_CONFLICT"
	CodeConflict            = "CONFLICT"
	CodeStoreTimeout        = "STORE_TIMEOUT"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError is a structured error with a stable code.
type AppError struct {
	Type       Type          `json:"type"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	Cause      error         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Validation errors are caused by malformed input and are never retried.
func Validation(code, msg string) *AppError {
	return &AppError{Type: TypeValidation, Code: code, Message: msg}
}

// NotFound covers missing routes, profiles, carriers and gateways, including
// the case where every candidate was filtered for capacity or health.
func NotFound(code, msg string) *AppError {
	return &AppError{Type: TypeNotFound, Code: code, Message: msg}
}

// Transient wraps store or probe timeouts that may succeed on retry.
func Transient(msg string, cause error) *AppError {
	return &AppError{Type: TypeTransient, Code: CodeStoreTimeout, Message: msg, Cause: cause}
}

func Conflict(code, msg string) *AppError {
	return &AppError{Type: TypeConflict, Code: code, Message: msg}
}

// Unavailable is returned when a dependency is down and no usable snapshot exists.
func Unavailable(msg string, retryAfter time.Duration, cause error) *AppError {
	return &AppError{
		Type:       TypeUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    msg,
		RetryAfter: retryAfter,
		Cause:      cause,
	}
}

func Internal(msg string, cause error) *AppError {
	return &AppError{Type: TypeInternal, Code: CodeInternal, Message: msg, Cause: cause}
}

// As extracts an *AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, t Type) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == t
}

// Retryable reports whether the operation may be retried unchanged.
func Retryable(err error) bool {
	return IsType(err, TypeTransient)
}

// Normalize maps any error onto an AppError so raw internal faults never cross
// the API boundary.
func Normalize(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Internal("internal error", err)
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	switch Normalize(err).Type {
	case TypeValidation:
		if Normalize(err).Code == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeTransient, TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
