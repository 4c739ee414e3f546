package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures the pipeline can encounter.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeMalformed   ErrorType = "input_malformed"
	ErrorTypeTransient   ErrorType = "transient_external"
	ErrorTypePermission  ErrorType = "permission_denied"
	ErrorTypeInvariant   ErrorType = "internal_invariant"
	ErrorTypeStorage     ErrorType = "storage_unavailable"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeRateLimited ErrorType = "rate_limited"
)

// AppError is a structured application error carrying a stable code the API
// layer can surface and a retryability hint the pipeline acts on.
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

func NewMalformedInputError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeMalformed,
		Code:      "MALFORMED_INPUT",
		Message:   message,
		Retryable: false,
	}
}

func NewTransientError(service, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeTransient,
		Code:      "EXTERNAL_SERVICE_ERROR",
		Message:   fmt.Sprintf("%s: %s", service, message),
		Retryable: true,
		Details:   map[string]interface{}{"service": service},
	}
}

func NewPermissionError(resource string) *AppError {
	return &AppError{
		Type:      ErrorTypePermission,
		Code:      "PERMISSION_DENIED",
		Message:   fmt.Sprintf("access denied to %s", resource),
		Retryable: false,
		Details:   map[string]interface{}{"resource": resource},
	}
}

func NewInvariantError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeInvariant,
		Code:      "INTERNAL_INVARIANT",
		Message:   message,
		Retryable: false,
	}
}

func NewStorageError(message string) *AppError {
	return &AppError{
		Type:      ErrorTypeStorage,
		Code:      "STORAGE_UNAVAILABLE",
		Message:   message,
		Retryable: true,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:      ErrorTypeNotFound,
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("%s not found", resource),
		Retryable: false,
	}
}

func NewRateLimitError(service string) *AppError {
	return &AppError{
		Type:      ErrorTypeRateLimited,
		Code:      "RATE_LIMIT_EXCEEDED",
		Message:   fmt.Sprintf("%s rate limit exceeded", service),
		Retryable: true,
		Details:   map[string]interface{}{"service": service},
	}
}

// Predefined common errors
var (
	ErrRuleNotFound     = NewNotFoundError("rule")
	ErrEventNotFound    = NewNotFoundError("security event")
	ErrBookmarkNotFound = NewNotFoundError("bookmark")
	ErrChannelDenied    = NewPermissionError("event log channel")
)

// Wrap wraps an error with a message using %w.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type.
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable. Unclassified errors are
// treated as non-retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
