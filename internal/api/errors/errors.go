package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict represents a conflict error
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeUnavailable represents a resource that is shut down
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// ConflictError creates a new conflict error
func ConflictError(code string, message string) *APIError {
	return newError(ErrorTypeConflict, http.StatusConflict, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// FromError converts any error into an APIError. Errors that are not
// already API errors become internal errors.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return InternalError("internal_error", err.Error())
}
