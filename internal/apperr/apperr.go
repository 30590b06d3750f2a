// Package apperr provides the typed error taxonomy used across the
// coordination backbone's tool surface. Components return these errors
// instead of ad-hoc sentinels so the MCP tool layer can render a stable,
// structured error envelope regardless of which component failed.
package apperr

import (
	"errors"
	"fmt"
)

// Error codes as constants.
const (
	CodeBrokerUnavailable       = "BROKER_UNAVAILABLE"
	CodeNotRegistered           = "NOT_REGISTERED"
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeNotFound                = "NOT_FOUND"
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeInvalidCursor           = "INVALID_CURSOR"
	CodePaginationFilterMismatch = "PAGINATION_FILTER_MISMATCH"
	CodeNoWorkAvailable         = "NO_WORK_AVAILABLE"
	CodeConflict                = "CONFLICT"
	CodeInternal                = "INTERNAL"
)

// AppError represents a typed application error with a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// BrokerUnavailable indicates the underlying broker connection is down
// or the operation could not reach it within its deadline.
func BrokerUnavailable(message string, err error) *AppError {
	return &AppError{Code: CodeBrokerUnavailable, Message: message, Err: err}
}

// NotRegistered indicates the calling agent has not registered a
// presence record before invoking an operation that requires one.
func NotRegistered(agentID string) *AppError {
	return &AppError{Code: CodeNotRegistered, Message: fmt.Sprintf("agent %q is not registered", agentID)}
}

// InvalidArgument indicates a caller-supplied argument failed validation.
func InvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message}
}

// NotFound indicates a requested resource does not exist.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// PermissionDenied indicates the caller's visibility or ownership does
// not permit the requested operation.
func PermissionDenied(message string) *AppError {
	return &AppError{Code: CodePermissionDenied, Message: message}
}

// InvalidCursor indicates a pagination cursor failed to decode or its
// contents were internally inconsistent.
func InvalidCursor(message string) *AppError {
	return &AppError{Code: CodeInvalidCursor, Message: message}
}

// PaginationFilterMismatch indicates a cursor was replayed against a
// call whose filters differ from the call that minted it.
func PaginationFilterMismatch() *AppError {
	return &AppError{Code: CodePaginationFilterMismatch, Message: "cursor was minted for a different filter set"}
}

// NoWorkAvailable is a benign, success-shaped sentinel meaning a work
// queue claim found nothing to hand out. Callers should treat it as an
// empty result, not a failure.
func NoWorkAvailable(capability string) *AppError {
	return &AppError{Code: CodeNoWorkAvailable, Message: fmt.Sprintf("no work available for capability %q", capability)}
}

// Conflict indicates a compare-and-set or uniqueness constraint failed,
// typically because of a concurrent mutation.
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// Internal wraps an unexpected underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, preserving the
// code of an inner AppError if present.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Code extracts the stable code of an error, or CodeInternal if it is
// not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
