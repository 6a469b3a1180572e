package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestFrameworkErrorFormatting(t *testing.T) {
	base := errors.New("connection reset")

	tests := []struct {
		name     string
		err      *FrameworkError
		expected string
	}{
		{
			name: "op with wrapped error",
			err: &FrameworkError{
				Op:  "state.Update",
				Err: base,
			},
			expected: "state.Update: connection reset",
		},
		{
			name: "op with id and wrapped error",
			err: &FrameworkError{
				Op:  "state.Update",
				ID:  "exec-123",
				Err: base,
			},
			expected: "state.Update [exec-123]: connection reset",
		},
		{
			name: "message only",
			err: &FrameworkError{
				Kind:    "CONFLICT",
				Message: "version 3 is stale",
			},
			expected: "version 3 is stale",
		},
		{
			name: "wrapped error without op",
			err: &FrameworkError{
				Kind: "TIMEOUT",
				Err:  base,
			},
			expected: "connection reset",
		},
		{
			name: "kind only",
			err: &FrameworkError{
				Kind: "BUDGET_EXCEEDED",
			},
			expected: "BUDGET_EXCEEDED error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFrameworkErrorUnwrap(t *testing.T) {
	t.Run("preserves errors.Is through the chain", func(t *testing.T) {
		wrapped := NewFrameworkError("lock.Acquire", "CONFLICT", ErrLockHeld)
		if !errors.Is(wrapped, ErrLockHeld) {
			t.Error("errors.Is should find ErrLockHeld through FrameworkError")
		}
	})

	t.Run("double wrapping", func(t *testing.T) {
		inner := fmt.Errorf("attempt 3: %w", ErrVersionConflict)
		outer := NewFrameworkError("state.Update", "CONFLICT", inner)
		if !errors.Is(outer, ErrVersionConflict) {
			t.Error("errors.Is should find ErrVersionConflict through two layers")
		}
	})

	t.Run("nil underlying error", func(t *testing.T) {
		fe := &FrameworkError{Op: "noop", Kind: "NONE"}
		if fe.Unwrap() != nil {
			t.Errorf("Unwrap() = %v, want nil", fe.Unwrap())
		}
	})
}

func TestErrorKind(t *testing.T) {
	t.Run("extracts the kind code", func(t *testing.T) {
		err := NewFrameworkError("engine.ExecuteSegment", "BUDGET_EXCEEDED", ErrBudgetExceeded)
		if got := ErrorKind(err); got != "BUDGET_EXCEEDED" {
			t.Errorf("ErrorKind() = %q, want BUDGET_EXCEEDED", got)
		}
	})

	t.Run("finds the kind behind fmt wrapping", func(t *testing.T) {
		inner := NewFrameworkError("lock.Acquire", "LOCK_HELD", ErrLockHeld)
		err := fmt.Errorf("segment aborted: %w", inner)
		if got := ErrorKind(err); got != "LOCK_HELD" {
			t.Errorf("ErrorKind() = %q, want LOCK_HELD", got)
		}
	})

	t.Run("empty for plain errors", func(t *testing.T) {
		if got := ErrorKind(errors.New("plain")); got != "" {
			t.Errorf("ErrorKind() = %q, want empty", got)
		}
	})

	t.Run("empty for nil", func(t *testing.T) {
		if got := ErrorKind(nil); got != "" {
			t.Errorf("ErrorKind() = %q, want empty", got)
		}
	})
}

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(error) bool
		err      error
		expected bool
	}{
		{"timeout is retryable", IsRetryable, ErrTimeout, true},
		{"connection failure is retryable", IsRetryable, ErrConnectionFailed, true},
		{"request failure is retryable", IsRetryable, ErrRequestFailed, true},
		{"version conflict is retryable", IsRetryable, ErrVersionConflict, true},
		{"budget exceeded is not retryable", IsRetryable, ErrBudgetExceeded, false},
		{"terminal execution is not retryable", IsRetryable, ErrExecutionTerminal, false},

		{"version conflict is a conflict", IsConflict, ErrVersionConflict, true},
		{"concurrent modification is a conflict", IsConflict, ErrConcurrentModification, true},
		{"lock held is not a conflict", IsConflict, ErrLockHeld, false},

		{"missing execution is not found", IsNotFound, ErrExecutionNotFound, true},
		{"missing token is not found", IsNotFound, ErrTokenNotFound, true},
		{"missing snapshot is not found", IsNotFound, ErrSnapshotNotFound, true},
		{"expired token is not a not-found", IsNotFound, ErrTokenExpired, false},

		{"invalid config is a config error", IsConfigurationError, ErrInvalidConfiguration, true},
		{"missing config is a config error", IsConfigurationError, ErrMissingConfiguration, true},
		{"timeout is not a config error", IsConfigurationError, ErrTimeout, false},

		{"invalid transition is a state error", IsStateError, ErrInvalidTransition, true},
		{"terminal execution is a state error", IsStateError, ErrExecutionTerminal, true},
		{"immutable plan is a state error", IsStateError, ErrPlanImmutable, true},
		{"lock held is not a state error", IsStateError, ErrLockHeld, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			if got := tt.fn(wrapped); got != tt.expected {
				t.Errorf("classifier = %v, want %v", got, tt.expected)
			}
		})
	}
}
