// Package gosaga is a lightweight meta-package that re-exports from subpackages
// This is the main entry point for the GoSaga workflow orchestrator
// Users should import specific packages based on their needs:
//   - github.com/itsneelabh/gosaga/core - interfaces, error codes, configuration
//   - github.com/itsneelabh/gosaga/orchestration - engine, stores, queue, recovery
//   - github.com/itsneelabh/gosaga/resilience - retry and circuit breaking
//   - github.com/itsneelabh/gosaga/telemetry - OTel metrics and tracing
package gosaga

import (
	"context"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/orchestration"
)

// Re-export orchestration types
type (
	// Execution data plane
	Execution       = orchestration.Execution
	ExecutionPlan   = orchestration.ExecutionPlan
	PlanStep        = orchestration.PlanStep
	ExecutionStatus = orchestration.ExecutionStatus
	SegmentResult   = orchestration.SegmentResult
	ResumeMessage   = orchestration.ResumeMessage
	Event           = orchestration.Event
	EventType       = orchestration.EventType

	// Tool surface
	ToolDefinition   = orchestration.ToolDefinition
	ToolResult       = orchestration.ToolResult
	ToolCategory     = orchestration.ToolCategory
	CompensationRule = orchestration.CompensationRule

	// Engine ports
	ExecutionStore  = orchestration.ExecutionStore
	IdempotencyGate = orchestration.IdempotencyGate
	ResumeQueue     = orchestration.ResumeQueue
	EventPublisher  = orchestration.EventPublisher
	ToolInvoker     = orchestration.ToolInvoker
	ToolRegistry    = orchestration.ToolRegistry
	ResumeHandler   = orchestration.ResumeHandler

	// Services
	Engine         = orchestration.Engine
	Reconciler     = orchestration.Reconciler
	ResumeWorker   = orchestration.ResumeWorker
	MetricsSampler = orchestration.MetricsSampler

	// Core interfaces
	Logger   = core.Logger
	AIClient = core.AIClient
	Config   = core.Config
)

// Re-export execution statuses
const (
	StatusCreated              = orchestration.StatusCreated
	StatusPlanned              = orchestration.StatusPlanned
	StatusExecuting            = orchestration.StatusExecuting
	StatusAwaitingConfirmation = orchestration.StatusAwaitingConfirmation
	StatusSuspended            = orchestration.StatusSuspended
	StatusCompensating         = orchestration.StatusCompensating
	StatusCompensated          = orchestration.StatusCompensated
	StatusCompleted            = orchestration.StatusCompleted
	StatusFailed               = orchestration.StatusFailed
	StatusTimeout              = orchestration.StatusTimeout
	StatusCancelled            = orchestration.StatusCancelled
)

// Re-export tool categories
const (
	CategoryPayment       = orchestration.CategoryPayment
	CategoryBooking       = orchestration.CategoryBooking
	CategoryCommunication = orchestration.CategoryCommunication
	CategoryReadOnly      = orchestration.CategoryReadOnly
)

// Re-export constructors
var (
	// Engine and plan handling
	NewEngine       = orchestration.NewEngine
	NewExecution    = orchestration.NewExecution
	ResolvePlan     = orchestration.ResolvePlan
	NewPlanVerifier = orchestration.NewPlanVerifier

	// Redis-backed stores and coordination
	NewRedisExecutionStore   = orchestration.NewRedisExecutionStore
	NewRedisIdempotencyStore = orchestration.NewRedisIdempotencyStore
	NewRedisResumeQueue      = orchestration.NewRedisResumeQueue
	NewRedisEventPublisher   = orchestration.NewRedisEventPublisher
	NewLockService           = orchestration.NewLockService
	NewConfirmationService   = orchestration.NewConfirmationService
	NewSnapshotStore         = orchestration.NewSnapshotStore

	// In-memory adapters for embedding and tests
	NewMemoryExecutionStore   = orchestration.NewMemoryExecutionStore
	NewMemoryIdempotencyStore = orchestration.NewMemoryIdempotencyStore
	NewMemoryResumeQueue      = orchestration.NewMemoryResumeQueue
	NewMemoryPublisher        = orchestration.NewMemoryPublisher

	// Tool registry and invocation
	NewStaticToolRegistry         = orchestration.NewStaticToolRegistry
	NewStaticCompensationRegistry = orchestration.NewStaticCompensationRegistry
	NewHTTPToolInvoker            = orchestration.NewHTTPToolInvoker

	// Failure handling
	NewCompensator       = orchestration.NewCompensator
	NewFailoverPolicy    = orchestration.NewFailoverPolicy
	NewCorrector         = orchestration.NewCorrector
	NewCorrectionBreaker = orchestration.NewCorrectionBreaker

	// Recovery and operations
	NewReconciler           = orchestration.NewReconciler
	NewResumeWorker         = orchestration.NewResumeWorker
	NewResumeWebhookHandler = orchestration.NewResumeWebhookHandler
	NewMetricsSampler       = orchestration.NewMetricsSampler
	NewReplayer             = orchestration.NewReplayer

	// Engine options
	WithEngineLogger        = orchestration.WithEngineLogger
	WithEngineConfig        = orchestration.WithEngineConfig
	WithEngineBudget        = orchestration.WithEngineBudget
	WithEngineLocks         = orchestration.WithEngineLocks
	WithEngineQueue         = orchestration.WithEngineQueue
	WithEngineVerifier      = orchestration.WithEngineVerifier
	WithEngineIdempotency   = orchestration.WithEngineIdempotency
	WithEngineCompensator   = orchestration.WithEngineCompensator
	WithEngineCompensations = orchestration.WithEngineCompensations
	WithEngineConfirmations = orchestration.WithEngineConfirmations
	WithEngineCorrector     = orchestration.WithEngineCorrector
	WithEngineFailover      = orchestration.WithEngineFailover
	WithEnginePublisher     = orchestration.WithEnginePublisher
	WithEngineSnapshots     = orchestration.WithEngineSnapshots

	// Compensator options
	WithCompensatorLogger      = orchestration.WithCompensatorLogger
	WithCompensatorPublisher   = orchestration.WithCompensatorPublisher
	WithCompensatorDeadline    = orchestration.WithCompensatorDeadline
	WithCompensatorIdempotency = orchestration.WithCompensatorIdempotency

	// Verifier options
	WithVerifierLogger     = orchestration.WithVerifierLogger
	WithForbiddenSequences = orchestration.WithForbiddenSequences

	// Sampler options
	WithSamplerLogger   = orchestration.WithSamplerLogger
	WithSamplerInterval = orchestration.WithSamplerInterval

	// Configuration
	DefaultConfig = core.DefaultConfig
)

// RunResumeWorker drains the resume queue into the engine until ctx is
// cancelled. Equivalent to wiring a ResumeWorker by hand.
func RunResumeWorker(ctx context.Context, engine *Engine, queue ResumeQueue, logger Logger) error {
	worker := orchestration.NewResumeWorker(queue, engine.HandleResume, logger)
	return worker.Start(ctx)
}
