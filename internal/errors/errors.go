package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Pairing (wire values of the approve/poll "reason" field)
	ErrCodeInvalidSession ErrorCode = "invalid_session"
	ErrCodeExpired        ErrorCode = "expired"
	ErrCodeInvalidCode    ErrorCode = "invalid_code"

	// Validation
	ErrCodeValidation ErrorCode = "validation_error"

	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeForbidden    ErrorCode = "forbidden"
	ErrCodeInvalidToken ErrorCode = "invalid_token"
	ErrCodeTokenExpired ErrorCode = "token_expired"

	// Resource
	ErrCodeNotFound ErrorCode = "not_found"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"

	// Delivery
	ErrCodeDeliveryFailed ErrorCode = "delivery_failed"

	// Internal
	ErrCodeServer ErrorCode = "server_error"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func InvalidSession() *AppError {
	return New(ErrCodeInvalidSession, "Pairing session not found or already used")
}

func SessionExpired() *AppError {
	return New(ErrCodeExpired, "Pairing session has expired")
}

func InvalidCode() *AppError {
	return New(ErrCodeInvalidCode, "Pairing code does not match")
}

// SessionRejected reports a declined or locked-out session. On the wire it is
// an invalid_session like any other non-pending session.
func SessionRejected() *AppError {
	return New(ErrCodeInvalidSession, "Pairing session was rejected")
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("%s is required", field))
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "Access token has expired")
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func DeliveryFailed(reason string) *AppError {
	return New(ErrCodeDeliveryFailed, fmt.Sprintf("Command not delivered: %s", reason))
}

func Internal(message string) *AppError {
	return New(ErrCodeServer, message)
}

func Store(cause error) *AppError {
	return Wrap(ErrCodeServer, "Session store error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeServer
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeServer
}

// IsCode reports whether err is an AppError carrying code.
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
