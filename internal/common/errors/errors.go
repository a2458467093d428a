// Package errors provides the error taxonomy shared across the Outpost core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeAuthRequired  = "AUTH_REQUIRED"
	ErrCodeAuthFailed    = "AUTH_FAILED"
	ErrCodeFormatError   = "FORMAT_ERROR"
	ErrCodeTerminated    = "TERMINATED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// WebSocket close codes used when an error is fatal to the connection.
const (
	CloseAuthRequired = 4001
	CloseBadFrame     = 4002
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// CloseCode is the WebSocket close code when the error ends the
	// connection; zero means the connection may continue.
	CloseCode int   `json:"-"`
	Err       error `json:"-"`
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

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidInput creates an error for client-supplied data that failed validation.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// AuthRequired creates an error for an authenticated surface accessed without auth.
// The connection is closed with code 4001.
func AuthRequired() *AppError {
	return &AppError{
		Code:       ErrCodeAuthRequired,
		Message:    "authentication required",
		HTTPStatus: http.StatusUnauthorized,
		CloseCode:  CloseAuthRequired,
	}
}

// AuthFailed creates an error for a failed SRP verification or session resume.
// The connection may continue with a retry.
func AuthFailed(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthFailed,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// FormatError creates an error for a frame that violates length/version/format
// rules. fatal selects whether the connection must close (code 4002).
func FormatError(message string, fatal bool) *AppError {
	e := &AppError{
		Code:       ErrCodeFormatError,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
	if fatal {
		e.CloseCode = CloseBadFrame
	}
	return e
}

// Terminated creates an error for operations against an agent process that
// has already ended.
func Terminated(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeTerminated,
		Message:    fmt.Sprintf("agent process for session '%s' has terminated", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates an internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err carries the given application error code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status for an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
