// Package errors provides custom error types for the coderelay daemon.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. These are the canonical codes the HTTP boundary
// serializes into {"error":{"code","message"}} bodies and WS error frames.
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeThreadNotFound        = "THREAD_NOT_FOUND"
	ErrCodeJobNotFound           = "JOB_NOT_FOUND"
	ErrCodeApprovalNotFound      = "APPROVAL_NOT_FOUND"
	ErrCodeSessionNotFound       = "SESSION_NOT_FOUND"
	ErrCodeThreadHasActiveJob    = "THREAD_HAS_ACTIVE_JOB"
	ErrCodeThreadArchived        = "THREAD_ARCHIVED"
	ErrCodeCursorExpired         = "CURSOR_EXPIRED"
	ErrCodeTerminalDisabled      = "TERMINAL_DISABLED"
	ErrCodeTerminalCursorExpired = "TERMINAL_CURSOR_EXPIRED"
	ErrCodeFSPathForbidden       = "FS_PATH_FORBIDDEN"
	ErrCodeBadRequest            = "BAD_REQUEST"
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeAgentUnavailable      = "AGENT_UNAVAILABLE"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
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

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// ThreadNotFound creates a not found error for a thread.
func ThreadNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeThreadNotFound,
		Message:    fmt.Sprintf("thread '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// JobNotFound creates a not found error for a job.
func JobNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeJobNotFound,
		Message:    fmt.Sprintf("job '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ApprovalNotFound creates a not found error for an approval.
func ApprovalNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeApprovalNotFound,
		Message:    fmt.Sprintf("approval '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionNotFound creates a not found error for a terminal session.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("terminal session '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ThreadHasActiveJob creates a conflict error for a thread with a running job.
func ThreadHasActiveJob(threadID string) *AppError {
	return &AppError{
		Code:       ErrCodeThreadHasActiveJob,
		Message:    fmt.Sprintf("thread '%s' already has an active job", threadID),
		HTTPStatus: http.StatusConflict,
	}
}

// ThreadArchived creates a conflict error for an archived thread.
func ThreadArchived(threadID string) *AppError {
	return &AppError{
		Code:       ErrCodeThreadArchived,
		Message:    fmt.Sprintf("thread '%s' is archived", threadID),
		HTTPStatus: http.StatusConflict,
	}
}

// CursorExpired creates a conflict error for a cursor older than retention.
func CursorExpired(firstSeq int64) *AppError {
	return &AppError{
		Code:       ErrCodeCursorExpired,
		Message:    fmt.Sprintf("cursor expired, first retained seq is %d", firstSeq),
		HTTPStatus: http.StatusConflict,
	}
}

// TerminalDisabled creates an error for terminal features switched off.
func TerminalDisabled() *AppError {
	return &AppError{
		Code:       ErrCodeTerminalDisabled,
		Message:    "terminal sessions are disabled",
		HTTPStatus: http.StatusForbidden,
	}
}

// FSPathForbidden creates an error for a path outside the project allowlist.
func FSPathForbidden(path string) *AppError {
	return &AppError{
		Code:       ErrCodeFSPathForbidden,
		Message:    fmt.Sprintf("path '%s' is not in the project allowlist", path),
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationFailed,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// AgentUnavailable creates an error for a dead or unreachable agent process.
func AgentUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    "agent process is unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CodeOf returns the canonical code for an error, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error carries a not-found code.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeThreadNotFound, ErrCodeJobNotFound, ErrCodeApprovalNotFound, ErrCodeSessionNotFound:
		return true
	}
	return false
}

// IsConflict checks if the error carries a conflict code.
func IsConflict(err error) bool {
	switch CodeOf(err) {
	case ErrCodeThreadHasActiveJob, ErrCodeThreadArchived, ErrCodeCursorExpired:
		return true
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
