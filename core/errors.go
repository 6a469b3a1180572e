package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Execution-related errors
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionTerminal = errors.New("execution already terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPlanImmutable     = errors.New("plan is immutable after planning")
	ErrSnapshotNotFound  = errors.New("snapshot not found")

	// Concurrency errors
	ErrVersionConflict        = errors.New("version conflict")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrLockHeld               = errors.New("lock held by another owner")
	ErrOwnerMismatch          = errors.New("lock owner mismatch")

	// Confirmation errors
	ErrTokenNotFound    = errors.New("confirmation token not found")
	ErrTokenExpired     = errors.New("confirmation token expired")
	ErrIdentityMismatch = errors.New("confirmation identity mismatch")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrCircuitOpen        = errors.New("circuit breaker open")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
	ErrUnauthorized     = errors.New("request not authorized")
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "state.Update")
	Kind    string // Error kind code (e.g., "CONFLICT", "BUDGET_EXCEEDED")
	ID      string // Optional ID of the entity involved (execution, step, lock)
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// ErrorKind extracts the Kind code from a FrameworkError chain.
// Returns the empty string when no FrameworkError is present.
func ErrorKind(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed) ||
		errors.Is(err, ErrVersionConflict)
}

// IsConflict checks if an error stems from optimistic concurrency control
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrExecutionTerminal) ||
		errors.Is(err, ErrPlanImmutable)
}
