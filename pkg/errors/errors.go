package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error kind independent of its message.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"

	// Caller
	ErrCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"

	// Session lifecycle
	ErrCodeInvalidTarget        ErrorCode = "INVALID_TARGET"
	ErrCodeSessionAlreadyActive ErrorCode = "SESSION_ALREADY_ACTIVE"
	ErrCodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeAlreadyTerminal      ErrorCode = "ALREADY_TERMINAL"
	ErrCodeSessionExpired       ErrorCode = "SESSION_EXPIRED"

	// Step-up
	ErrCodeInvalidCode              ErrorCode = "INVALID_CODE"
	ErrCodeVerificationServiceError ErrorCode = "VERIFICATION_SERVICE_ERROR"
	ErrCodeStepUpRequired           ErrorCode = "STEPUP_REQUIRED"
	ErrCodeStepUpNotEnrolled        ErrorCode = "STEPUP_NOT_ENROLLED"

	// Backend and storage
	ErrCodeCommunicationError ErrorCode = "COMMUNICATION_ERROR"
	ErrCodeWriteError         ErrorCode = "WRITE_ERROR"

	// Permission trace
	ErrCodeTenantNotFound ErrorCode = "TENANT_NOT_FOUND"

	// Settings table
	ErrCodeUnknownModule ErrorCode = "UNKNOWN_MODULE"
	ErrCodeUnknownRole   ErrorCode = "UNKNOWN_ROLE"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code, so that
// errors.Is(err, errors.New(ErrCodeSessionNotFound, "")) matches any message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) HTTPStatusCode() int {
	return MapErrorCodeToHTTPStatus(e.Code)
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the outermost error code, ErrCodeInternal for plain errors.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// MapErrorCodeToHTTPStatus maps error codes to HTTP status codes
func MapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodeInvalidTarget:
		return http.StatusBadRequest
	case ErrCodeNotAuthenticated, ErrCodeInvalidCode:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeStepUpRequired, ErrCodeStepUpNotEnrolled:
		return http.StatusForbidden
	case ErrCodeSessionNotFound, ErrCodeTenantNotFound, ErrCodeUnknownModule, ErrCodeUnknownRole:
		return http.StatusNotFound
	case ErrCodeSessionAlreadyActive, ErrCodeAlreadyTerminal:
		return http.StatusConflict
	case ErrCodeSessionExpired:
		return http.StatusGone
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeCommunicationError:
		return http.StatusBadGateway
	case ErrCodeVerificationServiceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to an untrusted client.
// Codes that could help an attacker probe the system get a fixed message.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Code {
	case ErrCodeInvalidCode:
		return "verification failed"
	case ErrCodeSessionAlreadyActive:
		return "an impersonation session is already active"
	case ErrCodeInternal, ErrCodeWriteError, ErrCodeVerificationServiceError, ErrCodeCommunicationError:
		return string(e.Code)
	}
	return e.Message
}

func NotAuthenticated() *Error {
	return New(ErrCodeNotAuthenticated, "caller is not authenticated")
}

func SessionNotFound(id string) *Error {
	return Newf(ErrCodeSessionNotFound, "session not found: %s", id).WithDetail("session_id", id)
}

func AlreadyTerminal(id, status string) *Error {
	return Newf(ErrCodeAlreadyTerminal, "session %s is already %s", id, status).
		WithDetail("session_id", id).
		WithDetail("status", status)
}

func SessionExpired(id string) *Error {
	return Newf(ErrCodeSessionExpired, "session expired: %s", id).WithDetail("session_id", id)
}

func InvalidInput(field, reason string) *Error {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason))
}

func Forbidden(message string) *Error {
	return New(ErrCodeForbidden, message)
}

// InvalidCode carries no detail about why the code failed.
func InvalidCode() *Error {
	return New(ErrCodeInvalidCode, "invalid verification code")
}
