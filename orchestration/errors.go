package orchestration

import (
	"errors"

	"github.com/itsneelabh/gosaga/core"
)

// Error kind codes persisted in ErrorRecord.Kind and carried on
// core.FrameworkError. The user-visible rendering happens at the system
// boundary; these codes are what diagnosis relies on.
const (
	KindPlanValidationFailed    = "PLAN_VALIDATION_FAILED"
	KindPlanCircularDependency  = "PLAN_CIRCULAR_DEPENDENCY"
	KindForbiddenSequence       = "FORBIDDEN_SEQUENCE"
	KindParameterLimitExceeded  = "PARAMETER_LIMIT_EXCEEDED"
	KindValidationFailed        = "VALIDATION_FAILED"
	KindToolExecutionFailed     = "TOOL_EXECUTION_FAILED"
	KindToolValidationFailed    = "TOOL_VALIDATION_FAILED"
	KindStepExecutionFailed     = "STEP_EXECUTION_FAILED"
	KindToolTimeout             = "TOOL_TIMEOUT"
	KindLLMTimeout              = "LLM_TIMEOUT"
	KindLLMSchemaValidation     = "LLM_SCHEMA_VALIDATION_FAILED"
	KindLLMRequestFailed        = "LLM_REQUEST_FAILED"
	KindLLMCircuitBroken        = "LLM_CIRCUIT_BROKEN"
	KindBudgetExceeded          = "BUDGET_EXCEEDED"
	KindConflict                = "CONFLICT"
	KindConcurrentModification  = "CONCURRENT_MODIFICATION"
	KindOwnerMismatch           = "OWNER_MISMATCH"
	KindCompensationFailed      = "COMPENSATION_FAILED"
	KindManualIntervention      = "SAGA_MANUAL_INTERVENTION_REQUIRED"
	KindTokenNotFound           = "CONFIRMATION_TOKEN_NOT_FOUND"
	KindTokenExpired            = "CONFIRMATION_TOKEN_EXPIRED"
	KindIdentityMismatch        = "CONFIRMATION_IDENTITY_MISMATCH"
	KindSchemaDrift             = "SCHEMA_DRIFT"
	KindRequiresIntervention    = "REQUIRES_INTERVENTION"
	KindInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
)

// Domain sentinels layered over the core set. They wrap through
// core.FrameworkError so both errors.Is and ErrorKind work on them.
var (
	ErrPlanCircular           = errors.New("plan contains circular dependencies")
	ErrForbiddenSequence      = errors.New("plan contains a forbidden tool sequence")
	ErrSchemaDrift            = errors.New("tool schema changed across yield")
	ErrCompensationIncomplete = errors.New("one or more compensations failed")
	ErrCorrectionBlocked      = errors.New("correction circuit is open")
	ErrDuplicateInvocation    = errors.New("duplicate tool invocation")
)

// kindError builds the standard wrapped error for a failed operation.
func kindError(op, kind, id string, err error) error {
	return &core.FrameworkError{Op: op, Kind: kind, ID: id, Err: err}
}

// classifyKind maps well-known error chains to their persisted kind code.
// Unknown errors fall through to STEP_EXECUTION_FAILED.
func classifyKind(err error) string {
	if err == nil {
		return ""
	}
	if k := core.ErrorKind(err); k != "" {
		return k
	}
	switch {
	case errors.Is(err, core.ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, core.ErrCircuitOpen):
		return KindLLMCircuitBroken
	case errors.Is(err, core.ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, core.ErrVersionConflict):
		return KindConflict
	case errors.Is(err, core.ErrOwnerMismatch):
		return KindOwnerMismatch
	case errors.Is(err, core.ErrTokenNotFound):
		return KindTokenNotFound
	case errors.Is(err, core.ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, core.ErrIdentityMismatch):
		return KindIdentityMismatch
	case errors.Is(err, core.ErrTimeout):
		return KindToolTimeout
	case errors.Is(err, ErrPlanCircular):
		return KindPlanCircularDependency
	case errors.Is(err, ErrForbiddenSequence):
		return KindForbiddenSequence
	case errors.Is(err, ErrSchemaDrift):
		return KindSchemaDrift
	default:
		return KindStepExecutionFailed
	}
}

// UserMessage maps an internal kind code to the small set of messages
// shown at the system boundary. Internal codes stay in the persisted
// record regardless.
func UserMessage(kind string) string {
	switch kind {
	case KindBudgetExceeded:
		return "This request exceeded its spending limit and was stopped."
	case KindTokenExpired, KindTokenNotFound:
		return "The confirmation link is no longer valid. Please start again."
	case KindIdentityMismatch:
		return "This confirmation belongs to a different user."
	case KindCompensationFailed, KindManualIntervention, KindRequiresIntervention:
		return "We could not fully undo the changes. Our team has been notified."
	case KindPlanValidationFailed, KindPlanCircularDependency, KindForbiddenSequence, KindParameterLimitExceeded:
		return "The requested plan is not valid and was not started."
	case KindToolTimeout, KindLLMTimeout:
		return "A downstream service took too long to respond. Please retry."
	default:
		return "Something went wrong while processing your request."
	}
}
