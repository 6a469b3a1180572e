package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/gosaga/core"
)

// ExecutionStatus represents the lifecycle state of an execution record.
// Transitions follow a fixed directed graph (see CanTransitionTo); any
// other transition is rejected at the data layer.
type ExecutionStatus string

const (
	StatusCreated              ExecutionStatus = "CREATED"
	StatusPlanned              ExecutionStatus = "PLANNED"
	StatusExecuting            ExecutionStatus = "EXECUTING"
	StatusAwaitingConfirmation ExecutionStatus = "AWAITING_CONFIRMATION"
	StatusSuspended            ExecutionStatus = "SUSPENDED"
	StatusCompensating         ExecutionStatus = "COMPENSATING"
	StatusCompensated          ExecutionStatus = "COMPENSATED"
	StatusCompleted            ExecutionStatus = "COMPLETED"
	StatusFailed               ExecutionStatus = "FAILED"
	StatusTimeout              ExecutionStatus = "TIMEOUT"
	StatusCancelled            ExecutionStatus = "CANCELLED"
)

// statusGraph is the fixed transition graph. A status missing from the map
// is terminal: nothing leaves it.
var statusGraph = map[ExecutionStatus][]ExecutionStatus{
	StatusCreated:   {StatusPlanned, StatusFailed, StatusCancelled},
	StatusPlanned:   {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting: {StatusAwaitingConfirmation, StatusSuspended, StatusCompensating, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
	StatusAwaitingConfirmation: {StatusExecuting, StatusSuspended, StatusTimeout, StatusFailed, StatusCancelled},
	StatusSuspended:            {StatusExecuting, StatusTimeout, StatusFailed, StatusCancelled},
	StatusCompensating:         {StatusCompensated, StatusFailed, StatusTimeout},
}

// CanTransitionTo reports whether the fixed status graph allows moving
// from s to next. Writing the same status again (a checkpoint within a
// segment) is always allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusGraph[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave this status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusCompensated:
		return true
	}
	return false
}

// IsCancellable reports whether a user-initiated cancel is allowed from
// this status.
func (s ExecutionStatus) IsCancellable() bool {
	switch s {
	case StatusExecuting, StatusSuspended, StatusAwaitingConfirmation:
		return true
	}
	return false
}

// StepStatus represents the state of a single plan step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepInProgress  StepStatus = "in_progress"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

// IsTerminal reports whether the step needs no further forward work.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCompensated, StepSkipped:
		return true
	}
	return false
}

// YieldReason records why a segment checkpointed instead of running to a
// terminal state.
type YieldReason string

const (
	YieldTimeoutApproaching YieldReason = "TIMEOUT_APPROACHING"
	YieldSegmentComplete    YieldReason = "SEGMENT_COMPLETE"
	YieldErrorRecovery      YieldReason = "ERROR_RECOVERY"
	YieldCompensation       YieldReason = "COMPENSATION"
)

// CompensationStatus mirrors saga-unwind progress in the execution context.
type CompensationStatus string

const (
	CompensationRunning  CompensationStatus = "COMPENSATING"
	CompensationComplete CompensationStatus = "COMPENSATED"
	CompensationPartial  CompensationStatus = "PARTIALLY_COMPENSATED"
)

// RiskLevel classifies the blast radius of a tool invocation. HIGH and
// CRITICAL steps require human confirmation before they run.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RequiresConfirmation reports whether this risk level gates on a human.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskHigh || r == RiskCritical
}

// Well-known context map keys written through by the engine.
const (
	ContextKeyTraceID            = "trace_id"
	ContextKeyCorrelationID      = "correlation_id"
	ContextKeyUserID             = "user_id"
	ContextKeySegmentNumber      = "segment_number"
	ContextKeyCompensationStatus = "compensation_status"
	ContextKeyIntent             = "intent"
	ContextKeySchemaDrift        = "schema_drift"
)

// PlanStep is one node of the plan DAG. Params may contain reference
// strings of the form "$stepId.field.subfield" which are resolved against
// earlier step outputs immediately before invocation.
type PlanStep struct {
	ID                 string                 `json:"id"`
	Tool               string                 `json:"tool"`
	Params             map[string]interface{} `json:"params,omitempty"`
	DependsOn          []string               `json:"depends_on,omitempty"`
	OutputKey          string                 `json:"output_key,omitempty"`
	EstimatedLatencyMs int64                  `json:"estimated_latency_ms,omitempty"`
}

// ExecutionPlan is the frozen DAG of tool invocations for one execution.
// It is immutable once the record enters PLANNED; re-planning produces a
// new execution record linked by intent.
type ExecutionPlan struct {
	Steps     []PlanStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
}

// Fingerprint returns a stable hash of the plan's steps, used by the data
// layer to reject mutation after the plan is frozen.
func (p *ExecutionPlan) Fingerprint() string {
	if p == nil {
		return ""
	}
	h := sha256.New()
	for _, s := range p.Steps {
		fmt.Fprintf(h, "%s|%s|%s|", s.ID, s.Tool, s.OutputKey)
		for _, d := range s.DependsOn {
			fmt.Fprintf(h, "%s,", d)
		}
		// Params hashed in key order so the fingerprint is byte-stable.
		keys := make([]string, 0, len(s.Params))
		for k := range s.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b, _ := json.Marshal(s.Params[k])
			fmt.Fprintf(h, "%s=%s;", k, b)
		}
		fmt.Fprint(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StepIndex returns the position of a step id in the plan, or -1.
func (p *ExecutionPlan) StepIndex(stepID string) int {
	if p == nil {
		return -1
	}
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// StepState tracks one plan step's execution. Step states are an ordered
// sequence mirroring the plan, so indices are stable across segments.
type StepState struct {
	StepID      string                 `json:"step_id"`
	Status      StepStatus             `json:"status"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	Attempts    int                    `json:"attempts"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	LatencyMs   int64                  `json:"latency_ms,omitempty"`

	// Confirmed marks a step re-approved by a human after an
	// AWAITING_CONFIRMATION suspension; the confirmation gate skips it.
	Confirmed bool `json:"confirmed,omitempty"`
}

// RegisteredCompensation is captured on the same transition that marks a
// forward step completed. The sequence order is registration order; the
// saga unwinds it back to front.
type RegisteredCompensation struct {
	StepID       string                 `json:"step_id"`
	Tool         string                 `json:"tool"`
	Params       map[string]interface{} `json:"params,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
	Status       StepStatus             `json:"status,omitempty"` // "" until attempted, then compensated|failed
	Error        string                 `json:"error,omitempty"`
}

// ToolVersion is the per-tool snapshot taken at yield so a resume can
// detect schema drift before continuing blindly.
type ToolVersion struct {
	Version           string `json:"version"`
	SchemaFingerprint string `json:"schema_fingerprint"`
}

// Budget is the hard USD ceiling for LLM-style spend on one execution.
type Budget struct {
	CostLimitUSD   float64 `json:"cost_limit_usd"`
	CurrentCostUSD float64 `json:"current_cost_usd"`
}

// Remaining returns the unspent budget, never negative.
func (b Budget) Remaining() float64 {
	r := b.CostLimitUSD - b.CurrentCostUSD
	if r < 0 {
		return 0
	}
	return r
}

// Allows reports whether an estimated additional spend fits the ceiling.
func (b Budget) Allows(estimatedUSD float64) bool {
	return b.CurrentCostUSD+estimatedUSD <= b.CostLimitUSD
}

// ErrorRecord preserves the internal error code alongside the message so
// later diagnosis never depends on the user-visible rendering.
type ErrorRecord struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	StepID     string    `json:"step_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Execution is the durable record of one workflow. It is keyed by ID,
// mutated exclusively by the engine within the workflow lock, and every
// write flows through the version-checked state store.
type Execution struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	IntentID string `json:"intent_id,omitempty"`

	Status ExecutionStatus `json:"status"`
	Plan   *ExecutionPlan  `json:"plan,omitempty"`

	// Steps mirror Plan.Steps index for index; lookup helpers below.
	Steps []*StepState `json:"step_states"`

	// CompletionOrder lists step ids in the order they completed; the saga
	// compensates in reverse of this order, not plan order.
	CompletionOrder []string `json:"completion_order,omitempty"`

	RegisteredCompensations []RegisteredCompensation `json:"registered_compensations,omitempty"`

	Context    map[string]interface{} `json:"context,omitempty"`
	TokenUsage core.TokenUsage        `json:"token_usage"`
	Budget     Budget                 `json:"budget"`

	ToolVersions map[string]ToolVersion `json:"tool_versions,omitempty"`

	// Checkpoint fields written atomically on yield.
	NextStepIndex  int         `json:"next_step_index"`
	SegmentNumber  int         `json:"segment_number"`
	YieldReason    YieldReason `json:"yield_reason,omitempty"`
	CheckpointAt   *time.Time  `json:"checkpoint_at,omitempty"`
	ResumeAttempts int         `json:"resume_attempts,omitempty"`

	LastError *ErrorRecord `json:"last_error,omitempty"`

	// Version is the OCC counter; every successful write increments it by
	// exactly one. Readers get it with the record, writers present it back.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewExecution creates an execution record in CREATED with an empty plan
// and the supplied budget ceiling.
func NewExecution(userID string, costLimitUSD float64) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    StatusCreated,
		Context:   map[string]interface{}{ContextKeyUserID: userID},
		Budget:    Budget{CostLimitUSD: costLimitUSD},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AttachPlan freezes a plan onto a CREATED execution and initialises the
// step-state sequence. The record moves to PLANNED; any later attempt to
// change the plan is rejected by the data layer.
func (e *Execution) AttachPlan(plan *ExecutionPlan) error {
	if e.Status != StatusCreated {
		return fmt.Errorf("attach plan in status %s: %w", e.Status, core.ErrPlanImmutable)
	}
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("attach plan: empty plan: %w", core.ErrInvalidConfiguration)
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	e.Plan = plan
	e.Steps = make([]*StepState, len(plan.Steps))
	for i := range plan.Steps {
		e.Steps[i] = &StepState{StepID: plan.Steps[i].ID, Status: StepPending}
	}
	e.Status = StatusPlanned
	return nil
}

// StepByID returns the step state for a plan step id, or nil.
func (e *Execution) StepByID(stepID string) *StepState {
	for _, s := range e.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// PlanStepByID returns the plan node for a step id, or nil.
func (e *Execution) PlanStepByID(stepID string) *PlanStep {
	if e.Plan == nil {
		return nil
	}
	for i := range e.Plan.Steps {
		if e.Plan.Steps[i].ID == stepID {
			return &e.Plan.Steps[i]
		}
	}
	return nil
}

// CompletedSteps counts steps in completed.
func (e *Execution) CompletedSteps() int {
	return e.countStatus(StepCompleted)
}

// FailedSteps counts steps in failed.
func (e *Execution) FailedSteps() int {
	return e.countStatus(StepFailed)
}

// CompensatedSteps counts steps whose forward effect was undone.
func (e *Execution) CompensatedSteps() int {
	return e.countStatus(StepCompensated)
}

func (e *Execution) countStatus(status StepStatus) int {
	n := 0
	for _, s := range e.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// PendingSteps reports whether any step still awaits forward execution.
func (e *Execution) PendingSteps() bool {
	for _, s := range e.Steps {
		if s.Status == StepPending || s.Status == StepInProgress {
			return true
		}
	}
	return false
}

// MarkCompleted transitions a step to completed, stamps timing, records
// completion order, and publishes its output under the plan's output key.
func (e *Execution) MarkCompleted(stepID string, output map[string]interface{}) {
	s := e.StepByID(stepID)
	if s == nil {
		return
	}
	now := time.Now().UTC()
	s.Status = StepCompleted
	s.Output = output
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.LatencyMs = now.Sub(*s.StartedAt).Milliseconds()
	}
	e.CompletionOrder = append(e.CompletionOrder, stepID)
	if ps := e.PlanStepByID(stepID); ps != nil && ps.OutputKey != "" {
		if e.Context == nil {
			e.Context = make(map[string]interface{})
		}
		e.Context[ps.OutputKey] = output
	}
}

// MarkFailed transitions a step to failed with the classified error kind.
func (e *Execution) MarkFailed(stepID string, kind string, err error) {
	s := e.StepByID(stepID)
	if s == nil {
		return
	}
	now := time.Now().UTC()
	s.Status = StepFailed
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.LatencyMs = now.Sub(*s.StartedAt).Milliseconds()
	}
	if err != nil {
		s.Error = err.Error()
	}
	s.ErrorKind = kind
	e.LastError = &ErrorRecord{Kind: kind, Message: s.Error, StepID: stepID, OccurredAt: now}
}

// RegisterCompensation appends a compensation entry. Callers invoke this
// on the same delta that marks the forward step completed so the two are
// committed atomically.
func (e *Execution) RegisterCompensation(stepID, tool string, params map[string]interface{}) {
	e.RegisteredCompensations = append(e.RegisteredCompensations, RegisteredCompensation{
		StepID:       stepID,
		Tool:         tool,
		Params:       params,
		RegisteredAt: time.Now().UTC(),
	})
}

// SegmentResult is what one engine invocation reports back to its caller
// (the webhook handler or a test harness).
type SegmentResult struct {
	ExecutionID   string          `json:"execution_id"`
	Status        ExecutionStatus `json:"status"`
	SegmentNumber int             `json:"segment_number"`
	Yielded       bool            `json:"yielded"`
	YieldReason   YieldReason     `json:"yield_reason,omitempty"`
	StepsRun      int             `json:"steps_run"`
	StepsComplete int             `json:"steps_complete"`
	StepsFailed   int             `json:"steps_failed"`
	Error         string          `json:"error,omitempty"`
}

// Terminal reports whether the execution reached a final status during
// this segment.
func (r *SegmentResult) Terminal() bool {
	return r.Status.IsTerminal()
}
