package webhooks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a webhook or delivery does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAttemptConflict is returned when a delivery changed between being
	// read and being claimed for an attempt.
	ErrAttemptConflict = errors.New("delivery changed since it was read")
)

// ValidationError reports a configuration error rejected before persistence.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func validationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
