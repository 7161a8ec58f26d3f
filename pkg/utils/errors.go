package utils

import (
	"errors"
	"fmt"
)

// AppError represents an application error with context
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAppError creates a new application error
func NewAppError(code, message string, details ...string) *AppError {
	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	return err
}

// ErrorCode extracts the application error code from an error.
// Returns an empty string if the error is not an AppError.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given application error code
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Common error codes
const (
	ErrCodeIntegrity     = "INTEGRITY_ERROR"
	ErrCodeChainBroken   = "CHAIN_BROKEN"
	ErrCodeOutOfSync     = "OUT_OF_SYNC"
	ErrCodeEntryGap      = "ENTRY_GAP"
	ErrCodeTransport     = "TRANSPORT_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeInternal      = "INTERNAL_ERROR"
)
