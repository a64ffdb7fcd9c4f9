package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeCompilation        ErrorType = "compilation_error"
	ErrorTypeLinking            ErrorType = "linking_error"
	ErrorTypeResourceExhaustion ErrorType = "resource_exhaustion"
	ErrorTypeDependency         ErrorType = "dependency_error"
	ErrorTypeConfiguration      ErrorType = "configuration_error"
	ErrorTypeExternal           ErrorType = "external"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeUnknown            ErrorType = "unknown"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	BuildID   string            `json:"build_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithBuildID adds a build ID to the error
func (e *AppError) WithBuildID(buildID string) *AppError {
	e.BuildID = buildID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewCompilationError(message string) *AppError {
	return NewAppError(ErrorTypeCompilation, "COMPILATION_ERROR", message)
}

func NewLinkingError(message string) *AppError {
	return NewAppError(ErrorTypeLinking, "LINKING_ERROR", message)
}

func NewResourceExhaustionError(message string) *AppError {
	return NewAppError(ErrorTypeResourceExhaustion, "RESOURCE_EXHAUSTION", message)
}

func NewDependencyError(message string) *AppError {
	return NewAppError(ErrorTypeDependency, "DEPENDENCY_ERROR", message)
}

func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, "CONFIGURATION_ERROR", message)
}

func NewExternalError(tool, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_TOOL_ERROR", message).
		WithDetail("tool", tool)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// Build-specific errors
func NewBuildError(buildID, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "BUILD_ERROR", message).
		WithBuildID(buildID)
}

func NewRecoveryError(buildID, action, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "RECOVERY_ERROR", message).
		WithBuildID(buildID).
		WithDetail("action", action)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// IsNotFound checks if the error indicates a missing resource
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}
