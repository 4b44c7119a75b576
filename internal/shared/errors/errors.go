package errors

import (
	"fmt"
)

// ProvisionError records the provisioning step at which a user's provision failed.
type ProvisionError struct {
	Stage  string // "precheck", "keygen", "allocate", "register"
	UserID string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision failed at %s (user=%s): %v", e.Stage, e.UserID, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// NewProvisionError creates a new provision error
func NewProvisionError(stage, userID string, err error) *ProvisionError {
	return &ProvisionError{
		Stage:  stage,
		UserID: userID,
		Err:    err,
	}
}

// ValidationError represents an input validation error
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s=%v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}
