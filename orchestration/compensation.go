package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/resilience"
	"github.com/itsneelabh/gosaga/telemetry"
)

// IdempotencyForgetter is optionally implemented by idempotency stores.
// A compensated step's marker is removed so the user may legitimately
// repeat the call after the undo.
type IdempotencyForgetter interface {
	Forget(ctx context.Context, userID, toolName string, params map[string]interface{}) error
}

// Compensator unwinds a failed saga: registered compensations run in
// reverse registration order, each with its own deadline and retry
// budget. A failing entry never stops the unwind; every registered
// entry is attempted exactly once per run.
type Compensator struct {
	invoker   ToolInvoker
	store     ExecutionStore
	publisher EventPublisher
	gate      IdempotencyGate

	deadline time.Duration
	retry    *resilience.RetryConfig
	logger   core.Logger
}

// CompensatorOption configures a Compensator.
type CompensatorOption func(*Compensator)

// WithCompensatorLogger sets the logger.
func WithCompensatorLogger(logger core.Logger) CompensatorOption {
	return func(c *Compensator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCompensatorPublisher sets the event publisher.
func WithCompensatorPublisher(publisher EventPublisher) CompensatorOption {
	return func(c *Compensator) {
		if publisher != nil {
			c.publisher = publisher
		}
	}
}

// WithCompensatorDeadline bounds each compensating invocation.
func WithCompensatorDeadline(deadline time.Duration) CompensatorOption {
	return func(c *Compensator) {
		if deadline > 0 {
			c.deadline = deadline
		}
	}
}

// WithCompensatorRetryConfig overrides the per-entry retry budget.
func WithCompensatorRetryConfig(cfg *resilience.RetryConfig) CompensatorOption {
	return func(c *Compensator) {
		if cfg != nil {
			c.retry = cfg
		}
	}
}

// WithCompensatorIdempotency lets the unwind release dedup markers for
// steps whose effects it undid.
func WithCompensatorIdempotency(gate IdempotencyGate) CompensatorOption {
	return func(c *Compensator) {
		c.gate = gate
	}
}

// NewCompensator builds a saga compensator.
func NewCompensator(invoker ToolInvoker, store ExecutionStore, opts ...CompensatorOption) *Compensator {
	c := &Compensator{
		invoker:   invoker,
		store:     store,
		publisher: &NoOpPublisher{},
		deadline:  getEnvDuration("GOSAGA_COMPENSATION_DEADLINE", 30*time.Second),
		retry:     resilience.CompensationRetryConfig(),
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the saga unwind for execution and returns the final
// record. All registered compensations not already compensated are
// attempted back to front; the outcome of each is persisted before the
// next starts, so a crashed unwind resumes where it stopped. A partial
// unwind surfaces ErrCompensationIncomplete after the last entry.
func (c *Compensator) Run(ctx context.Context, execution *Execution) (*Execution, error) {
	started := time.Now()

	updated, err := c.store.Update(ctx, execution, func(e *Execution) error {
		e.Status = StatusCompensating
		if e.Context == nil {
			e.Context = make(map[string]interface{})
		}
		e.Context[ContextKeyCompensationStatus] = string(CompensationRunning)
		return nil
	})
	if err != nil {
		return execution, fmt.Errorf("enter compensation: %w", err)
	}

	c.logger.Info("Compensation started", map[string]interface{}{
		"operation":    "compensation_start",
		"execution_id": updated.ID,
		"registered":   len(updated.RegisteredCompensations),
	})

	var failedSteps []string
	for i := len(updated.RegisteredCompensations) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}

		entry := updated.RegisteredCompensations[i]
		if entry.Status == StepCompensated {
			continue
		}

		compErr := c.compensateEntry(ctx, updated, entry)

		index := i
		updated, err = c.store.Update(ctx, updated, func(e *Execution) error {
			if index >= len(e.RegisteredCompensations) {
				return fmt.Errorf("compensation entry %d out of range", index)
			}
			target := &e.RegisteredCompensations[index]
			if compErr == nil {
				target.Status = StepCompensated
				target.Error = ""
				if step := e.StepByID(target.StepID); step != nil {
					step.Status = StepCompensated
				}
			} else {
				target.Status = StepFailed
				target.Error = compErr.Error()
			}
			return nil
		})
		if err != nil {
			return updated, fmt.Errorf("record compensation outcome: %w", err)
		}

		if compErr != nil {
			failedSteps = append(failedSteps, entry.StepID)
			telemetry.Counter(telemetry.MetricCompensationFailures, "tool", entry.Tool)
			c.logger.Error("Compensation entry failed", map[string]interface{}{
				"operation":    "compensation_entry",
				"execution_id": updated.ID,
				"step_id":      entry.StepID,
				"tool":         entry.Tool,
				"error":        compErr.Error(),
			})
			continue
		}

		telemetry.Counter(telemetry.MetricCompensationRuns, "tool", entry.Tool)
		c.forgetMarker(ctx, updated, entry)
	}

	updated, err = c.finish(ctx, updated, failedSteps)
	telemetry.Duration(telemetry.MetricCompensationDuration, started, "execution_id", updated.ID)
	if err != nil {
		return updated, err
	}

	if len(failedSteps) > 0 {
		return updated, kindError("compensation.Run", KindCompensationFailed, updated.ID,
			fmt.Errorf("%d of %d compensations failed (%v): %w",
				len(failedSteps), len(updated.RegisteredCompensations), failedSteps, ErrCompensationIncomplete))
	}
	return updated, nil
}

// compensateEntry invokes one compensating tool with the per-entry
// deadline and retry budget. Client-side rejections (4xx) are permanent;
// everything else retries.
func (c *Compensator) compensateEntry(ctx context.Context, execution *Execution, entry RegisteredCompensation) error {
	return resilience.Retry(ctx, c.retry, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.deadline)
		defer cancel()

		result, err := c.invoker.Invoke(attemptCtx, entry.Tool, entry.Params)
		if err != nil {
			return err
		}
		if !result.Success {
			failure := fmt.Errorf("compensation %s rejected: %s", entry.Tool, result.Error)
			if result.StatusCode >= 400 && result.StatusCode < 500 {
				return resilience.Permanent(failure)
			}
			return failure
		}
		return nil
	})
}

// forgetMarker drops the idempotency marker for an undone step so a
// deliberate re-run is not swallowed as a duplicate.
func (c *Compensator) forgetMarker(ctx context.Context, execution *Execution, entry RegisteredCompensation) {
	forgetter, ok := c.gate.(IdempotencyForgetter)
	if !ok {
		return
	}

	step := execution.StepByID(entry.StepID)
	planStep := execution.PlanStepByID(entry.StepID)
	if step == nil || step.Input == nil || planStep == nil {
		return
	}
	if err := forgetter.Forget(ctx, execution.UserID, planStep.Tool, step.Input); err != nil {
		c.logger.Warn("Failed to release idempotency marker", map[string]interface{}{
			"operation":    "compensation_forget",
			"execution_id": execution.ID,
			"step_id":      entry.StepID,
			"error":        err.Error(),
		})
	}
}

func (c *Compensator) finish(ctx context.Context, execution *Execution, failedSteps []string) (*Execution, error) {
	complete := len(failedSteps) == 0

	updated, err := c.store.Update(ctx, execution, func(e *Execution) error {
		if e.Context == nil {
			e.Context = make(map[string]interface{})
		}
		if complete {
			e.Status = StatusCompensated
			e.Context[ContextKeyCompensationStatus] = string(CompensationComplete)
			return nil
		}
		e.Status = StatusFailed
		e.Context[ContextKeyCompensationStatus] = string(CompensationPartial)
		e.LastError = &ErrorRecord{
			Kind:       KindCompensationFailed,
			Message:    fmt.Sprintf("compensations failed for steps %v", failedSteps),
			OccurredAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		return execution, fmt.Errorf("finish compensation: %w", err)
	}

	event := Event{
		Type:        EventCompensationComplete,
		ExecutionID: updated.ID,
		At:          time.Now(),
		Payload: map[string]interface{}{
			"compensation_status": updated.Context[ContextKeyCompensationStatus],
		},
	}
	if !complete {
		event.Type = EventInterventionRequired
		event.Payload["failed_steps"] = failedSteps
		event.Payload["reason"] = UserMessage(KindManualIntervention)
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish compensation event", map[string]interface{}{
			"operation":    "compensation_publish",
			"execution_id": updated.ID,
			"error":        err.Error(),
		})
	}

	c.logger.Info("Compensation finished", map[string]interface{}{
		"operation":    "compensation_finish",
		"execution_id": updated.ID,
		"status":       string(updated.Status),
		"failed":       len(failedSteps),
	})
	return updated, nil
}

// StaticCompensationRegistry maps forward tools to fixed compensation
// rules. Registration order does not matter; lookups are by forward tool
// name.
type StaticCompensationRegistry struct {
	mu    sync.RWMutex
	rules map[string]*CompensationRule
}

// NewStaticCompensationRegistry builds a registry from pairs of forward
// tool name and rule.
func NewStaticCompensationRegistry() *StaticCompensationRegistry {
	return &StaticCompensationRegistry{rules: make(map[string]*CompensationRule)}
}

// Register binds a compensation rule to a forward tool, replacing any
// previous binding.
func (r *StaticCompensationRegistry) Register(forwardTool string, rule *CompensationRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[forwardTool] = rule
}

// NeedsCompensation reports whether the forward tool has an undo action.
func (r *StaticCompensationRegistry) NeedsCompensation(tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rules[tool]
	return ok
}

// GetCompensation returns the rule for a forward tool.
func (r *StaticCompensationRegistry) GetCompensation(tool string) (*CompensationRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[tool]
	return rule, ok
}

// MapParameters derives the compensating call's parameters. Without a
// mapper the forward output passes through unchanged.
func (r *StaticCompensationRegistry) MapParameters(tool string, originalParams, output map[string]interface{}) map[string]interface{} {
	rule, ok := r.GetCompensation(tool)
	if !ok {
		return nil
	}
	if rule.ParameterMapper == nil {
		return output
	}
	return rule.ParameterMapper(originalParams, output)
}

var _ CompensationRegistry = (*StaticCompensationRegistry)(nil)
