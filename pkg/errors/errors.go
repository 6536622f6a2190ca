package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across repositories and services.
var (
	// ErrNoPresence is returned by heartbeat when no presence record exists yet.
	// Callers are expected to recover by calling SetOnline again.
	ErrNoPresence = errors.New("presence record does not exist")

	// ErrCallConflict is returned when a guarded call-status update finds the
	// record in a state the transition is not allowed from.
	ErrCallConflict = errors.New("call record is not in an expected state")

	// ErrCallActive is returned when a new ring is attempted while a
	// non-ended call already occupies the conversation's call slot.
	ErrCallActive = errors.New("conversation already has an active call")

	// ErrIndexUnavailable is returned by the cross-conversation ringing index
	// when it is not provisioned; the signaling listener falls back to
	// per-conversation watchers for the rest of the session.
	ErrIndexUnavailable = errors.New("ringing index unavailable")

	// ErrNotFound is the generic missing-record error.
	ErrNotFound = errors.New("record not found")
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Authorization errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUserNotFound ErrorCode = "USER_NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Conflict errors
	ErrCodeConflict   ErrorCode = "CONFLICT"
	ErrCodeCallActive ErrorCode = "CALL_ACTIVE"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err matches target, delegating to the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// AsAppError extracts an *AppError from an error chain if present.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
