package retry

import (
	"errors"
	"fmt"
)

// ExternalServiceError is returned once a wrapped call has failed on every
// allowed attempt, or failed with a transient error that could not be
// retried further.
type ExternalServiceError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ValidationError marks input the external service rejected or a generated
// query that failed validation. It is never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError.
func Validation(reason string, err error) error {
	return &ValidationError{Reason: reason, Err: err}
}

type transientError struct{ err error }

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Transient() bool { return true }

// Transient marks err as retryable regardless of its type.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
