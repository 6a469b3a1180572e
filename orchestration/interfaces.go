package orchestration

import (
	"context"
	"time"
)

// ToolResult is what a tool invocation reports back to the engine.
// Success implies Output is a JSON-shaped value. Compensation, when
// present, declares the undo action for this specific invocation and
// takes precedence over the static registry.
type ToolResult struct {
	Success      bool                   `json:"success"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	LatencyMs    int64                  `json:"latency_ms"`
	Compensation *CompensationDecl      `json:"compensation,omitempty"`
}

// CompensationDecl names a compensating tool and its parameters, declared
// by the forward tool at execution time.
type CompensationDecl struct {
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ToolInvoker executes a named tool with resolved parameters under a hard
// deadline. Cancellation is cooperative through ctx; the engine stops
// waiting once the deadline passes.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, params map[string]interface{}) (*ToolResult, error)
}

// CompensationRule describes how to undo a forward tool.
type CompensationRule struct {
	Tool string `json:"tool"`

	// ParameterMapper derives compensation parameters from the forward
	// call's inputs and outputs (e.g. pull rideId out of book_ride's
	// output). Nil means pass the forward output through unchanged.
	ParameterMapper func(originalParams, output map[string]interface{}) map[string]interface{} `json:"-"`
}

// CompensationRegistry answers whether a forward tool has a compensating
// action and how to build its parameters.
type CompensationRegistry interface {
	NeedsCompensation(tool string) bool
	GetCompensation(tool string) (*CompensationRule, bool)
	MapParameters(tool string, originalParams, output map[string]interface{}) map[string]interface{}
}

// EventType labels the signals the engine publishes to collaborators.
type EventType string

const (
	EventResume                EventType = "resume"
	EventConfirmationRequested EventType = "confirmation_requested"
	EventInterventionRequired  EventType = "intervention_required"
	EventExecutionCompleted    EventType = "execution_completed"
	EventExecutionFailed       EventType = "execution_failed"
	EventCompensationComplete  EventType = "compensation_complete"
	EventSchemaDrift           EventType = "schema_drift"
	EventZombieDetected        EventType = "zombie_detected"
)

// Event is an externally visible signal about one execution. Consumers
// impose their own ordering via sequence ids; the engine guarantees none
// across executions.
type Event struct {
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	At          time.Time              `json:"at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// EventPublisher fans events out to collaborators (pub/sub, webhooks).
// Publishing is best-effort; the engine never blocks progress on it.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoOpPublisher discards all events.
type NoOpPublisher struct{}

func (n *NoOpPublisher) Publish(ctx context.Context, event Event) error { return nil }

// DeltaFunc re-derives a mutation against the freshest base record. OCC
// rebase is only correct when deltas are functions of the pre-image, so
// every ExecutionStore write takes one of these rather than a document.
type DeltaFunc func(*Execution) error

// ExecutionStore persists execution records with optimistic concurrency
// control. Every Update applies the delta against the current record,
// writes with version+1, and transparently rebase-retries on conflict.
type ExecutionStore interface {
	// Create persists a brand-new record. Fails if the id already exists.
	Create(ctx context.Context, execution *Execution) error

	// Get loads the record and its current version.
	Get(ctx context.Context, executionID string) (*Execution, error)

	// Update applies delta to base and writes it at base.Version+1. On a
	// version conflict it reloads, re-applies delta, and retries with
	// backoff; exhaustion surfaces CONCURRENT_MODIFICATION.
	Update(ctx context.Context, base *Execution, delta DeltaFunc) (*Execution, error)

	// ListStaleActive returns ids of active executions whose last update
	// is older than the threshold. The reconciler feeds on this.
	ListStaleActive(ctx context.Context, olderThan time.Duration, limit int64) ([]string, error)

	// Delete removes the record and its index entries.
	Delete(ctx context.Context, executionID string) error
}

// ResumeQueue is the durable transport that carries a yielded execution
// to its next invocation. Delivery is at-least-once; the idempotency
// layer and the OCC store make redelivery harmless.
type ResumeQueue interface {
	// Enqueue stores one resume message, applying the configured delay.
	Enqueue(ctx context.Context, msg *ResumeMessage) error

	// Dequeue returns the next verified message, or (nil, nil) after
	// waiting wait with nothing to deliver.
	Dequeue(ctx context.Context, wait time.Duration) (*ResumeMessage, error)

	// Requeue schedules a failed delivery for another attempt, dead-
	// lettering once deliveries are exhausted.
	Requeue(ctx context.Context, msg *ResumeMessage, reason string) error
}

// ToolCategory drives deterministic risk classification.
type ToolCategory string

const (
	CategoryPayment       ToolCategory = "payment"
	CategoryBooking       ToolCategory = "booking"
	CategoryCommunication ToolCategory = "communication"
	CategoryReadOnly      ToolCategory = "readonly"
)

// ToolDefinition is the reflected contract of one tool: its version and
// schema fingerprint feed drift detection, its parameter schema feeds the
// plan verifier, and its aliases map LLM-friendly parameter names to
// canonical ones.
type ToolDefinition struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description,omitempty"`
	Category     ToolCategory           `json:"category,omitempty"`
	ParamsSchema map[string]interface{} `json:"params_schema,omitempty"`
	Aliases      map[string]string      `json:"aliases,omitempty"`
	Endpoint     string                 `json:"endpoint,omitempty"`
}

// ToolRegistry exposes the live tool contracts.
type ToolRegistry interface {
	// Lookup returns the definition for a tool name.
	Lookup(tool string) (*ToolDefinition, bool)

	// List returns all registered definitions.
	List() []*ToolDefinition

	// Fingerprint returns the version snapshot used for drift detection.
	Fingerprint(tool string) (ToolVersion, bool)
}
