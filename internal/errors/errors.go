package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// Connection related error types
	ConnectionError ErrorType = iota
	TimeoutError

	// Storage related error types
	StorageError

	// Pull related error types
	PullError

	// General error types
	GeneralError
)

// TypedError represents an error with a specific type
type TypedError struct {
	Type    ErrorType
	Message string
	Cause   error
}

// Error implements the error interface
func (e *TypedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As chains
func (e *TypedError) Unwrap() error {
	return e.Cause
}

// NewTypedError creates a new typed error
func NewTypedError(errorType ErrorType, message string, cause error) *TypedError {
	return &TypedError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// IsConnectionError checks if the error is a connection-related error
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if typedErr, ok := err.(*TypedError); ok {
		return typedErr.Type == ConnectionError || typedErr.Type == TimeoutError
	}

	// Fallback to string matching for errors from outside this module
	errorStr := err.Error()
	return contains(errorStr, "connection refused") ||
		contains(errorStr, "connection reset") ||
		contains(errorStr, "no route to host") ||
		contains(errorStr, "timeout")
}

// IsStorageError checks if the error is storage-related
func IsStorageError(err error) bool {
	if err == nil {
		return false
	}

	if typedErr, ok := err.(*TypedError); ok {
		return typedErr.Type == StorageError
	}
	return false
}

// GetErrorType returns the error type if it's a TypedError, otherwise returns GeneralError
func GetErrorType(err error) ErrorType {
	if typedErr, ok := err.(*TypedError); ok {
		return typedErr.Type
	}
	return GeneralError
}

// contains is a helper function to check if a string contains a substring
func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
