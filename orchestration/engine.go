package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// Engine drives executions through their plans in bounded segments. Each
// segment runs under the workflow lock, executes ready steps in small
// concurrent batches, and either reaches a terminal status or yields a
// checkpoint plus a resume message. All collaborators are narrow
// interfaces or small services supplied at construction; the engine owns
// no global state.
type Engine struct {
	store    ExecutionStore
	invoker  ToolInvoker
	registry ToolRegistry

	locks         *LockService
	queue         ResumeQueue
	verifier      *PlanVerifier
	idempotency   IdempotencyGate
	compensator   *Compensator
	compensations CompensationRegistry
	confirmations *ConfirmationService
	corrector     *Corrector
	failover      *FailoverPolicy
	publisher     EventPublisher
	snapshots     *SnapshotStore

	cfg    core.EngineConfig
	budget core.BudgetConfig
	logger core.Logger
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineConfig replaces the segment timing and batching knobs.
func WithEngineConfig(cfg core.EngineConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

// WithEngineBudget replaces the cost-ceiling defaults.
func WithEngineBudget(cfg core.BudgetConfig) EngineOption {
	return func(e *Engine) { e.budget = cfg }
}

// WithEngineLocks enables distributed workflow locking. Without it the
// engine runs unlocked, suitable only for single-process embedding where
// the version-checked store alone guards integrity.
func WithEngineLocks(locks *LockService) EngineOption {
	return func(e *Engine) { e.locks = locks }
}

// WithEngineQueue sets the durable resume transport used at yield.
func WithEngineQueue(queue ResumeQueue) EngineOption {
	return func(e *Engine) { e.queue = queue }
}

// WithEngineVerifier sets the plan verifier run on first entry.
func WithEngineVerifier(verifier *PlanVerifier) EngineOption {
	return func(e *Engine) { e.verifier = verifier }
}

// WithEngineIdempotency sets the duplicate-invocation gate.
func WithEngineIdempotency(gate IdempotencyGate) EngineOption {
	return func(e *Engine) { e.idempotency = gate }
}

// WithEngineCompensator sets the saga unwinder invoked on compensatable
// failures.
func WithEngineCompensator(compensator *Compensator) EngineOption {
	return func(e *Engine) { e.compensator = compensator }
}

// WithEngineCompensations sets the static forward-tool to undo-tool
// registry. Tool-declared compensations always win over it.
func WithEngineCompensations(registry CompensationRegistry) EngineOption {
	return func(e *Engine) { e.compensations = registry }
}

// WithEngineConfirmations enables the human confirmation gate for
// HIGH and CRITICAL risk steps.
func WithEngineConfirmations(confirmations *ConfirmationService) EngineOption {
	return func(e *Engine) { e.confirmations = confirmations }
}

// WithEngineCorrector enables LLM parameter correction for 400/422
// rejections.
func WithEngineCorrector(corrector *Corrector) EngineOption {
	return func(e *Engine) { e.corrector = corrector }
}

// WithEngineFailover sets the deterministic failure policy.
func WithEngineFailover(policy *FailoverPolicy) EngineOption {
	return func(e *Engine) { e.failover = policy }
}

// WithEnginePublisher sets the event publisher.
func WithEnginePublisher(publisher EventPublisher) EngineOption {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

// WithEngineSnapshots enables replay snapshot capture at segment
// boundaries (and after each step commit when the store is configured
// per-step).
func WithEngineSnapshots(snapshots *SnapshotStore) EngineOption {
	return func(e *Engine) { e.snapshots = snapshots }
}

// NewEngine builds an engine around the three required capabilities:
// durable state, tool invocation, and the tool contract registry.
// Everything else is optional and degrades to a no-op when absent.
func NewEngine(store ExecutionStore, invoker ToolInvoker, registry ToolRegistry, opts ...EngineOption) *Engine {
	defaults := core.DefaultConfig()
	e := &Engine{
		store:     store,
		invoker:   invoker,
		registry:  registry,
		publisher: &NoOpPublisher{},
		cfg:       defaults.Engine,
		budget:    defaults.Budget,
		logger:    &core.NoOpLogger{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launch creates a new execution with the default cost ceiling, freezes
// the plan onto it, and persists it in PLANNED. Driving it forward is the
// caller's choice: ExecuteSegment inline or a resume message.
func (e *Engine) Launch(ctx context.Context, userID string, plan *ExecutionPlan) (*Execution, error) {
	execution := NewExecution(userID, e.budget.DefaultCostLimitUSD)
	if traceID := telemetry.TraceIDFromContext(ctx); traceID != "" {
		execution.Context[ContextKeyTraceID] = traceID
	}
	if err := execution.AttachPlan(plan); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, execution); err != nil {
		return nil, err
	}

	telemetry.Counter(telemetry.MetricExecutionsCreated)
	e.logger.Info("Execution created", map[string]interface{}{
		"operation":    "execution_create",
		"execution_id": execution.ID,
		"user_id":      userID,
		"steps":        len(plan.Steps),
	})
	return execution, nil
}

// ExecuteSegment runs one segment of forward progress for an execution.
// It acquires the workflow lock, executes ready steps in batches until
// the plan finishes or the yield predicate fires, and reports what
// happened. Lock contention returns immediately with an error wrapping
// core.ErrLockHeld; the current holder is already making progress.
func (e *Engine) ExecuteSegment(ctx context.Context, executionID string) (*SegmentResult, error) {
	execution, err := e.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return e.segmentResult(execution, false, 0), nil
	}
	if execution.Status == StatusAwaitingConfirmation {
		return e.segmentResult(execution, false, 0), nil
	}
	if execution.Plan == nil || len(execution.Plan.Steps) == 0 {
		return nil, kindError("engine.ExecuteSegment", KindValidationFailed, executionID,
			fmt.Errorf("execution has no plan: %w", core.ErrInvalidConfiguration))
	}

	if e.locks != nil {
		traceID := telemetry.TraceIDFromContext(ctx)
		handle, err := e.locks.Acquire(ctx, executionID, 0, "segment", traceID, executionID)
		if err != nil {
			return nil, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := handle.Release(releaseCtx); rerr != nil {
				e.logger.Warn("Failed to release workflow lock", map[string]interface{}{
					"operation":    "segment_unlock",
					"execution_id": executionID,
					"error":        rerr.Error(),
				})
			}
		}()
	}

	return e.runSegment(ctx, execution)
}

// runSegment is the locked body of ExecuteSegment.
func (e *Engine) runSegment(ctx context.Context, execution *Execution) (*SegmentResult, error) {
	started := e.now()
	segment := execution.SegmentNumber
	defer func() {
		telemetry.Counter(telemetry.MetricSegmentsExecuted)
		telemetry.Histogram(telemetry.MetricSegmentDuration, float64(e.now().Sub(started).Milliseconds()))
	}()

	execution, err := e.enterSegment(ctx, execution)
	if err != nil {
		var result *SegmentResult
		if execution != nil {
			result = e.segmentResult(execution, false, 0)
		}
		return result, err
	}
	if execution.Status.IsTerminal() {
		// Plan verification failed; enterSegment already recorded it.
		return e.segmentResult(execution, false, 0), nil
	}

	if !execution.Budget.Allows(e.budget.SegmentOverheadUSD) {
		return e.failWithoutStep(ctx, execution, KindBudgetExceeded,
			fmt.Errorf("budget exhausted before segment %d: %w", segment, core.ErrBudgetExceeded), 0)
	}

	e.logger.Info("Segment started", map[string]interface{}{
		"operation":    "segment_start",
		"execution_id": execution.ID,
		"segment":      segment,
		"completed":    execution.CompletedSteps(),
	})

	stepsRun := 0
	for {
		if ctx.Err() != nil {
			return e.yield(ctx, execution, YieldErrorRecovery, stepsRun)
		}

		if !execution.PendingSteps() {
			return e.complete(ctx, execution, stepsRun)
		}

		ready := ReadySteps(execution)
		if len(ready) == 0 {
			return e.failWithoutStep(ctx, execution, KindPlanCircularDependency,
				fmt.Errorf("no runnable steps but %d pending: %w",
					len(execution.Steps)-execution.CompletedSteps(), ErrPlanCircular), stepsRun)
		}

		batch := SelectBatch(execution.Plan, ready, e.cfg.MaxBatch)

		elapsed := e.now().Sub(started)
		if reason, yieldNow := e.shouldYield(elapsed, e.estimateBatch(execution, batch)); yieldNow {
			return e.yieldAndResume(ctx, execution, reason, stepsRun)
		}

		completedBefore := execution.CompletedSteps()
		pass, err := e.executeBatch(ctx, execution, batch)
		if pass != nil {
			execution = pass.execution
			stepsRun += pass.invocations
		}
		if err != nil {
			return e.segmentResult(execution, false, stepsRun), err
		}

		switch {
		case pass.awaiting != nil:
			return e.segmentResult(execution, false, stepsRun), nil
		case pass.failed != nil:
			return e.failExecution(ctx, execution, pass.failed, stepsRun)
		}

		if pass.invocations == 0 && execution.CompletedSteps() == completedBefore {
			return e.segmentResult(execution, false, stepsRun),
				kindError("engine.runSegment", KindStepExecutionFailed, execution.ID,
					fmt.Errorf("batch %v made no progress", batch))
		}
	}
}

// enterSegment normalises the record for a fresh pass: PLANNED plans are
// verified and moved to EXECUTING, suspensions lift, and steps left
// in_progress by an interrupted segment return to pending so they are
// re-issued (the idempotency gate absorbs any completed side effect).
func (e *Engine) enterSegment(ctx context.Context, execution *Execution) (*Execution, error) {
	if execution.Status == StatusPlanned && e.verifier != nil {
		if verr := e.verifier.Verify(execution.Plan); verr != nil {
			kind := classifyKind(verr)
			failed, err := e.store.Update(ctx, execution, func(ex *Execution) error {
				ex.Status = StatusFailed
				now := e.now().UTC()
				ex.CompletedAt = &now
				ex.LastError = &ErrorRecord{Kind: kind, Message: verr.Error(), OccurredAt: now}
				return nil
			})
			if err != nil {
				return execution, err
			}
			e.publishEvent(ctx, Event{
				Type:        EventExecutionFailed,
				ExecutionID: failed.ID,
				At:          e.now(),
				Payload:     map[string]interface{}{"kind": kind, "error": verr.Error()},
			})
			telemetry.Counter(telemetry.MetricExecutionsFailed, "kind", kind)
			e.logger.Error("Plan rejected", map[string]interface{}{
				"operation":    "plan_verify",
				"execution_id": execution.ID,
				"kind":         kind,
				"error":        verr.Error(),
			})
			return failed, nil
		}
	}

	return e.store.Update(ctx, execution, func(ex *Execution) error {
		switch ex.Status {
		case StatusPlanned, StatusSuspended:
			ex.Status = StatusExecuting
		case StatusExecuting:
		default:
			return kindError("engine.enterSegment", KindInvalidStatusTransition, ex.ID,
				fmt.Errorf("segment cannot start from %s: %w", ex.Status, core.ErrInvalidTransition))
		}
		for _, step := range ex.Steps {
			if step.Status == StepInProgress {
				step.Status = StepPending
			}
		}
		return nil
	})
}

// shouldYield evaluates the checkpoint predicate. The segment yields once
// it has run long enough to be worth checkpointing and the projected next
// batch would overrun the slice.
func (e *Engine) shouldYield(elapsed, nextBatch time.Duration) (YieldReason, bool) {
	if elapsed >= e.cfg.CheckpointThreshold {
		return YieldSegmentComplete, true
	}
	if elapsed >= e.cfg.MinYieldCheck && elapsed+nextBatch >= e.cfg.CheckpointThreshold+e.cfg.YieldBuffer {
		return YieldTimeoutApproaching, true
	}
	return "", false
}

// estimateBatch projects the wall time of a concurrent batch: the largest
// declared step latency, defaulting per step when the plan has none.
func (e *Engine) estimateBatch(execution *Execution, batch []string) time.Duration {
	estimate := time.Duration(0)
	for _, stepID := range batch {
		latency := e.cfg.DefaultStepLatency
		if step := execution.PlanStepByID(stepID); step != nil && step.EstimatedLatencyMs > 0 {
			latency = time.Duration(step.EstimatedLatencyMs) * time.Millisecond
		}
		if latency > estimate {
			estimate = latency
		}
	}
	if estimate == 0 {
		estimate = e.cfg.DefaultStepLatency
	}
	return estimate
}

// preparedStep is one batch member after reference resolution and alias
// mapping, ready to gate and invoke.
type preparedStep struct {
	stepID string
	def    *ToolDefinition
	params map[string]interface{}
}

// stepOutcome is what one concurrent invocation reported back.
type stepOutcome struct {
	stepID      string
	def         *ToolDefinition
	params      map[string]interface{}
	result      *ToolResult
	err         error
	kind        string
	invocations int
	corrected   bool
	costUSD     float64
	usage       core.TokenUsage
}

// batchPass summarises one batch: the refreshed record, the number of
// tool invocations made, and whichever special condition ended the pass.
type batchPass struct {
	execution   *Execution
	invocations int
	awaiting    *Confirmation
	failed      *stepOutcome
}

// executeBatch runs one batch: gates each member serially (duplicates,
// schema, human confirmation), persists in_progress for the survivors in
// one write, invokes them concurrently, and merges outcomes in completion
// order.
func (e *Engine) executeBatch(ctx context.Context, execution *Execution, batch []string) (*batchPass, error) {
	pass := &batchPass{execution: execution}

	prepared, gated, err := e.prepareBatch(ctx, execution, batch)
	pass.execution = gated.execution
	execution = gated.execution
	if err != nil {
		return pass, err
	}
	if gated.awaiting != nil {
		pass.awaiting = gated.awaiting
		return pass, nil
	}
	if gated.failed != nil {
		pass.failed = gated.failed
		return pass, nil
	}
	if len(prepared) == 0 {
		return pass, nil
	}

	execution, err = e.store.Update(ctx, execution, func(ex *Execution) error {
		now := e.now().UTC()
		for _, p := range prepared {
			step := ex.StepByID(p.stepID)
			if step == nil {
				return fmt.Errorf("step %s missing from record", p.stepID)
			}
			step.Status = StepInProgress
			step.Input = p.params
			step.StartedAt = &now
			step.Attempts++
		}
		return nil
	})
	if err != nil {
		pass.execution = execution
		return pass, err
	}
	pass.execution = execution

	outcomes := make(chan *stepOutcome, len(prepared))
	for _, p := range prepared {
		go func(p preparedStep) {
			outcomes <- e.invokeStep(ctx, execution, p)
		}(p)
	}

	var failures []*stepOutcome
	for range prepared {
		outcome := <-outcomes
		pass.invocations += outcome.invocations

		if outcome.err == nil && outcome.result != nil && outcome.result.Success {
			execution, err = e.persistSuccess(ctx, execution, outcome)
			if err != nil {
				pass.execution = execution
				return pass, err
			}
			continue
		}
		failures = append(failures, outcome)
	}
	pass.execution = execution

	if len(failures) > 0 {
		execution, err = e.persistFailures(ctx, execution, failures)
		pass.execution = execution
		if err != nil {
			return pass, err
		}
		pass.failed = failures[0]
	}
	return pass, nil
}

// gateResult carries what the serial pre-flight decided.
type gateResult struct {
	execution *Execution
	awaiting  *Confirmation
	failed    *stepOutcome
}

// prepareBatch resolves parameters and walks each batch member through
// the duplicate, schema, and confirmation gates in plan order. The first
// schema rejection fails the pass; the first unconfirmed high-risk step
// suspends the execution.
func (e *Engine) prepareBatch(ctx context.Context, execution *Execution, batch []string) ([]preparedStep, gateResult, error) {
	gate := gateResult{execution: execution}
	var survivors []preparedStep
	var duplicates []preparedStep

	for _, stepID := range batch {
		planStep := execution.PlanStepByID(stepID)
		if planStep == nil {
			continue
		}

		var def *ToolDefinition
		if e.registry != nil {
			def, _ = e.registry.Lookup(planStep.Tool)
		}
		if def == nil {
			gate.failed = &stepOutcome{
				stepID: stepID,
				kind:   KindToolValidationFailed,
				err:    fmt.Errorf("tool %s is not registered", planStep.Tool),
			}
			break
		}

		params := ResolveParams(execution, planStep.Params)
		params = ApplyAliases(def, params)
		p := preparedStep{stepID: stepID, def: def, params: params}

		if e.idempotency != nil {
			dup, err := e.idempotency.IsDuplicate(ctx, execution.UserID, def.Name, params)
			if err != nil {
				e.logger.Warn("Idempotency check failed, proceeding", map[string]interface{}{
					"operation":    "idempotency_check",
					"execution_id": execution.ID,
					"step_id":      stepID,
					"error":        err.Error(),
				})
			} else if dup {
				telemetry.Counter(telemetry.MetricIdempotentHits, "tool", def.Name)
				e.logger.Warn("Duplicate invocation suppressed", map[string]interface{}{
					"operation":    "idempotency_skip",
					"execution_id": execution.ID,
					"step_id":      stepID,
					"tool":         def.Name,
				})
				duplicates = append(duplicates, p)
				continue
			}
		}

		if e.verifier != nil {
			if verr := e.verifier.ValidateToolParams(def, params); verr != nil {
				gate.failed = &stepOutcome{
					stepID: stepID,
					def:    def,
					params: params,
					kind:   KindValidationFailed,
					err:    verr,
				}
				break
			}
		}

		if e.confirmations != nil {
			state := execution.StepByID(stepID)
			risk := e.confirmations.Classify(def, params)
			if risk.RequiresConfirmation() && (state == nil || !state.Confirmed) {
				updated, conf, err := e.suspendForConfirmation(ctx, execution, stepID, def, params, risk)
				gate.execution = updated
				if err != nil {
					return nil, gate, err
				}
				gate.awaiting = conf
				return nil, gate, nil
			}
		}

		survivors = append(survivors, p)
	}

	if len(duplicates) > 0 {
		updated, err := e.store.Update(ctx, gate.execution, func(ex *Execution) error {
			for _, p := range duplicates {
				ex.MarkCompleted(p.stepID, map[string]interface{}{"skipped": true})
				e.registerCompensation(ex, p.stepID, p.def, p.params, nil)
			}
			return nil
		})
		gate.execution = updated
		if err != nil {
			return nil, gate, err
		}
	}

	if gate.failed != nil {
		updated, err := e.store.Update(ctx, gate.execution, func(ex *Execution) error {
			ex.MarkFailed(gate.failed.stepID, gate.failed.kind, gate.failed.err)
			return nil
		})
		gate.execution = updated
		if err != nil {
			return nil, gate, err
		}
		return nil, gate, nil
	}

	return survivors, gate, nil
}

// suspendForConfirmation mints a confirmation token for a high-risk step
// and parks the execution in AWAITING_CONFIRMATION. No resume message is
// queued; the human's answer is the only way forward.
func (e *Engine) suspendForConfirmation(ctx context.Context, execution *Execution, stepID string, def *ToolDefinition, params map[string]interface{}, risk RiskLevel) (*Execution, *Confirmation, error) {
	reason := fmt.Sprintf("%s risk invocation of %s requires approval", risk, def.Name)
	confirmation, err := e.confirmations.Issue(ctx, execution, stepID, def, params, reason)
	if err != nil {
		return execution, nil, err
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		ex.Status = StatusAwaitingConfirmation
		return nil
	})
	if err != nil {
		return execution, nil, err
	}

	e.logger.Info("Execution suspended for confirmation", map[string]interface{}{
		"operation":    "confirmation_gate",
		"execution_id": execution.ID,
		"step_id":      stepID,
		"tool":         def.Name,
		"risk":         string(risk),
	})
	return updated, confirmation, nil
}

// invokeStep executes one prepared step under the segment deadline, with
// at most one in-segment retry sourced from either the LLM corrector (for
// schema rejections) or the failover policy.
func (e *Engine) invokeStep(ctx context.Context, execution *Execution, p preparedStep) *stepOutcome {
	outcome := &stepOutcome{stepID: p.stepID, def: p.def, params: p.params}

	result, err := e.invokeOnce(ctx, p.def.Name, p.params)
	outcome.invocations++
	outcome.result = result
	outcome.err = err
	if succeeded(result, err) {
		return outcome
	}
	if ctx.Err() != nil {
		outcome.kind = KindToolTimeout
		return outcome
	}

	retryParams, retryDelay, retried := e.planRetry(ctx, execution, p, outcome)
	if !retried {
		outcome.kind = e.failureKind(outcome)
		return outcome
	}

	if retryDelay > 0 {
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			outcome.kind = KindToolTimeout
			return outcome
		}
	}

	telemetry.Counter(telemetry.MetricStepRetries, "tool", p.def.Name)
	result, err = e.invokeOnce(ctx, p.def.Name, retryParams)
	outcome.invocations++
	outcome.result = result
	outcome.err = err
	outcome.params = retryParams

	if succeeded(result, err) {
		if e.corrector != nil && outcome.corrected {
			if berr := e.corrector.RecordRetrySuccess(ctx, execution.ID, p.stepID); berr != nil {
				e.logger.Warn("Failed to reset correction circuit", map[string]interface{}{
					"operation":    "correction_reset",
					"execution_id": execution.ID,
					"step_id":      p.stepID,
					"error":        berr.Error(),
				})
			}
		}
		return outcome
	}

	outcome.kind = e.failureKind(outcome)
	return outcome
}

// planRetry decides whether and how to re-invoke a failed step. Schema
// rejections consult the corrector first; everything else asks the
// deterministic failover policy. At most one retry per step per segment.
func (e *Engine) planRetry(ctx context.Context, execution *Execution, p preparedStep, outcome *stepOutcome) (map[string]interface{}, time.Duration, bool) {
	status := 0
	message := ""
	if outcome.result != nil {
		status = outcome.result.StatusCode
		message = outcome.result.Error
	}
	if message == "" && outcome.err != nil {
		message = outcome.err.Error()
	}

	if e.corrector != nil && (status == 400 || status == 422) {
		correction, cerr := e.corrector.Correct(ctx, execution, p.stepID, &CorrectionInput{
			Tool:         p.def.Name,
			Description:  p.def.Description,
			Params:       p.params,
			StatusCode:   status,
			ErrorMessage: message,
			Intent:       intentOf(execution),
		})
		if cerr != nil {
			e.logger.Warn("Parameter correction unavailable", map[string]interface{}{
				"operation":    "correction",
				"execution_id": execution.ID,
				"step_id":      p.stepID,
				"kind":         classifyKind(cerr),
			})
		} else if correction != nil {
			outcome.costUSD += correction.CostUSD
			outcome.usage = correction.Usage
			if correction.Proposal.ShouldRetry && len(correction.Proposal.CorrectedParams) > 0 {
				outcome.corrected = true
				return mergeParams(p.params, correction.Proposal.CorrectedParams), 0, true
			}
		}
	}

	if e.failover == nil {
		return nil, 0, false
	}
	decision := e.failover.Evaluate(FailoverInput{
		IntentType: intentOf(execution),
		Tool:       p.def.Name,
		Reason:     ClassifyFailure(outcome.result, outcome.err),
		Params:     p.params,
		Contextual: execution.Context,
	})
	if decision == nil || !decision.Retry {
		return nil, 0, false
	}
	return decision.Params, decision.Delay, true
}

// invokeOnce performs a single tool call under the hard segment deadline.
func (e *Engine) invokeOnce(ctx context.Context, tool string, params map[string]interface{}) (*ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SegmentTimeout)
	defer cancel()

	started := e.now()
	result, err := e.invoker.Invoke(callCtx, tool, params)
	telemetry.Histogram(telemetry.MetricStepDuration, float64(e.now().Sub(started).Milliseconds()), "tool", tool)
	telemetry.Counter(telemetry.MetricStepsExecuted, "tool", tool)
	return result, err
}

// persistSuccess commits one completed step: output, completion order,
// the idempotency marker, accumulated correction spend, and the undo
// action. Tool-declared compensations beat registry rules.
func (e *Engine) persistSuccess(ctx context.Context, execution *Execution, outcome *stepOutcome) (*Execution, error) {
	if e.idempotency != nil {
		if err := e.idempotency.Record(ctx, execution.UserID, outcome.def.Name, outcome.params); err != nil {
			e.logger.Warn("Failed to record idempotency marker", map[string]interface{}{
				"operation":    "idempotency_record",
				"execution_id": execution.ID,
				"step_id":      outcome.stepID,
				"error":        err.Error(),
			})
		}
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		if step := ex.StepByID(outcome.stepID); step != nil {
			// A retry may have mutated the parameters; keep the record
			// aligned with what actually ran.
			step.Input = outcome.params
		}
		ex.MarkCompleted(outcome.stepID, outcome.result.Output)
		e.registerCompensation(ex, outcome.stepID, outcome.def, outcome.params, outcome.result)
		e.foldCost(ex, outcome)
		return nil
	})
	if err != nil {
		return execution, err
	}

	if e.snapshots != nil && e.snapshots.PerStep() {
		e.captureSnapshot(ctx, updated)
	}
	e.logger.Info("Step completed", map[string]interface{}{
		"operation":    "step_complete",
		"execution_id": updated.ID,
		"step_id":      outcome.stepID,
		"tool":         outcome.def.Name,
		"attempts":     outcome.invocations,
	})
	return updated, nil
}

// persistFailures records every failed outcome of the batch in one write.
func (e *Engine) persistFailures(ctx context.Context, execution *Execution, failures []*stepOutcome) (*Execution, error) {
	return e.store.Update(ctx, execution, func(ex *Execution) error {
		for _, outcome := range failures {
			cause := outcome.err
			if cause == nil && outcome.result != nil {
				cause = errors.New(outcome.result.Error)
			}
			ex.MarkFailed(outcome.stepID, outcome.kind, cause)
			e.foldCost(ex, outcome)
			telemetry.Counter(telemetry.MetricStepFailures, "tool", toolName(outcome), "kind", outcome.kind)
		}
		return nil
	})
}

// registerCompensation appends the undo action for a completed step. The
// tool's own declaration wins; otherwise the static registry maps the
// forward parameters and output into the compensating call.
func (e *Engine) registerCompensation(execution *Execution, stepID string, def *ToolDefinition, params map[string]interface{}, result *ToolResult) {
	if result != nil && result.Compensation != nil {
		execution.RegisterCompensation(stepID, result.Compensation.Tool, result.Compensation.Params)
		return
	}
	if e.compensations == nil || !e.compensations.NeedsCompensation(def.Name) {
		return
	}
	rule, ok := e.compensations.GetCompensation(def.Name)
	if !ok {
		return
	}
	var output map[string]interface{}
	if result != nil {
		output = result.Output
	}
	execution.RegisterCompensation(stepID, rule.Tool, e.compensations.MapParameters(def.Name, params, output))
}

// foldCost charges correction spend and token usage onto the record.
func (e *Engine) foldCost(execution *Execution, outcome *stepOutcome) {
	if outcome.costUSD == 0 {
		return
	}
	execution.Budget.CurrentCostUSD += outcome.costUSD
	execution.TokenUsage.PromptTokens += outcome.usage.PromptTokens
	execution.TokenUsage.CompletionTokens += outcome.usage.CompletionTokens
	execution.TokenUsage.TotalTokens += outcome.usage.TotalTokens
}

// failureKind maps a final step failure onto the persisted error kind.
func (e *Engine) failureKind(outcome *stepOutcome) string {
	if outcome.err != nil {
		if errors.Is(outcome.err, context.DeadlineExceeded) || errors.Is(outcome.err, core.ErrTimeout) {
			return KindToolTimeout
		}
		return KindToolExecutionFailed
	}
	if outcome.result != nil {
		switch {
		case outcome.result.StatusCode == 408 || outcome.result.StatusCode == 504:
			return KindToolTimeout
		case outcome.result.StatusCode == 400 || outcome.result.StatusCode == 422:
			return KindValidationFailed
		}
	}
	return KindToolExecutionFailed
}

// failExecution ends the segment after an unrecoverable step failure:
// compensatable records unwind through the saga, the rest go straight to
// FAILED.
func (e *Engine) failExecution(ctx context.Context, execution *Execution, failed *stepOutcome, stepsRun int) (*SegmentResult, error) {
	compensatable := false
	for _, entry := range execution.RegisteredCompensations {
		if entry.Status != StepCompensated {
			compensatable = true
			break
		}
	}

	if compensatable && e.compensator != nil {
		marked, err := e.store.Update(ctx, execution, func(ex *Execution) error {
			ex.YieldReason = YieldCompensation
			return nil
		})
		if err != nil {
			return e.segmentResult(execution, false, stepsRun), err
		}

		final, cerr := e.compensator.Run(ctx, marked)
		telemetry.Counter(telemetry.MetricExecutionsFailed, "kind", failed.kind)
		result := e.segmentResult(final, false, stepsRun)
		if cerr != nil && !errors.Is(cerr, ErrCompensationIncomplete) {
			return result, cerr
		}
		return result, nil
	}

	return e.failWithoutStep(ctx, execution, failed.kind, failed.err, stepsRun)
}

// failWithoutStep moves the execution to FAILED and publishes the
// failure. Used when there is nothing to unwind.
func (e *Engine) failWithoutStep(ctx context.Context, execution *Execution, kind string, cause error, stepsRun int) (*SegmentResult, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		ex.Status = StatusFailed
		now := e.now().UTC()
		ex.CompletedAt = &now
		if ex.LastError == nil {
			ex.LastError = &ErrorRecord{Kind: kind, Message: message, OccurredAt: now}
		}
		return nil
	})
	if err != nil {
		return e.segmentResult(execution, false, stepsRun), err
	}

	e.publishEvent(ctx, Event{
		Type:        EventExecutionFailed,
		ExecutionID: updated.ID,
		At:          e.now(),
		Payload:     map[string]interface{}{"kind": kind, "error": message},
	})
	telemetry.Counter(telemetry.MetricExecutionsFailed, "kind", kind)
	e.logger.Error("Execution failed", map[string]interface{}{
		"operation":    "execution_fail",
		"execution_id": updated.ID,
		"kind":         kind,
		"error":        message,
	})
	return e.segmentResult(updated, false, stepsRun), nil
}

// complete finishes an execution whose steps all reached a terminal
// status. Any failed step means FAILED; otherwise COMPLETED.
func (e *Engine) complete(ctx context.Context, execution *Execution, stepsRun int) (*SegmentResult, error) {
	if execution.FailedSteps() > 0 {
		last := execution.LastError
		kind := KindStepExecutionFailed
		var cause error
		if last != nil {
			kind = last.Kind
			cause = errors.New(last.Message)
		}
		return e.failWithoutStep(ctx, execution, kind, cause, stepsRun)
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		ex.Status = StatusCompleted
		now := e.now().UTC()
		ex.CompletedAt = &now
		return nil
	})
	if err != nil {
		return e.segmentResult(execution, false, stepsRun), err
	}

	e.captureSnapshot(ctx, updated)
	e.publishEvent(ctx, Event{
		Type:        EventExecutionCompleted,
		ExecutionID: updated.ID,
		At:          e.now(),
		Payload: map[string]interface{}{
			"steps":    updated.CompletedSteps(),
			"segments": updated.SegmentNumber + 1,
		},
	})
	telemetry.Counter(telemetry.MetricExecutionsCompleted)
	telemetry.Histogram(telemetry.MetricExecutionDuration,
		float64(e.now().Sub(updated.CreatedAt).Milliseconds()))
	e.logger.Info("Execution completed", map[string]interface{}{
		"operation":    "execution_complete",
		"execution_id": updated.ID,
		"steps":        updated.CompletedSteps(),
		"segments":     updated.SegmentNumber + 1,
	})
	return e.segmentResult(updated, false, stepsRun), nil
}

// yieldAndResume checkpoints the segment and schedules its continuation.
func (e *Engine) yieldAndResume(ctx context.Context, execution *Execution, reason YieldReason, stepsRun int) (*SegmentResult, error) {
	result, err := e.yield(ctx, execution, reason, stepsRun)
	if err != nil {
		return result, err
	}
	e.enqueueResume(ctx, result.ExecutionID, result.SegmentNumber, nil)
	return result, nil
}

// yield persists the checkpoint in one versioned write: the next step
// index, the bumped segment counter, the tool-version snapshot for drift
// detection, and the reason. Registered compensations are already on the
// record from their per-step commits.
func (e *Engine) yield(ctx context.Context, execution *Execution, reason YieldReason, stepsRun int) (*SegmentResult, error) {
	versions := e.snapshotToolVersions(execution)
	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		ex.NextStepIndex = nextStepIndex(ex)
		ex.SegmentNumber++
		ex.YieldReason = reason
		if len(versions) > 0 {
			ex.ToolVersions = versions
		}
		now := e.now().UTC()
		ex.CheckpointAt = &now
		if ex.Context == nil {
			ex.Context = make(map[string]interface{})
		}
		ex.Context[ContextKeySegmentNumber] = ex.SegmentNumber
		return nil
	})
	if err != nil {
		return e.segmentResult(execution, true, stepsRun), err
	}

	e.captureSnapshot(ctx, updated)
	telemetry.Counter(telemetry.MetricSegmentYields, "reason", string(reason))
	e.logger.Info("Segment yielded", map[string]interface{}{
		"operation":       "segment_yield",
		"execution_id":    updated.ID,
		"segment":         updated.SegmentNumber,
		"reason":          string(reason),
		"next_step_index": updated.NextStepIndex,
	})

	result := e.segmentResult(updated, true, stepsRun)
	result.YieldReason = reason
	return result, nil
}

// enqueueResume hands the continuation to the durable queue. Failure is
// not fatal: the queue itself publishes the backup resume event, and the
// reconciler will eventually find the record if both channels are lost.
func (e *Engine) enqueueResume(ctx context.Context, executionID string, segment int, startIndex *int) {
	if e.queue == nil {
		e.publishEvent(ctx, Event{
			Type:        EventResume,
			ExecutionID: executionID,
			At:          e.now(),
			Payload:     map[string]interface{}{"segment_number": segment, "fallback": true},
		})
		return
	}
	msg := &ResumeMessage{
		ExecutionID:    executionID,
		SegmentNumber:  segment,
		StartStepIndex: startIndex,
	}
	if err := e.queue.Enqueue(ctx, msg); err != nil {
		e.logger.Warn("Failed to enqueue resume", map[string]interface{}{
			"operation":    "resume_enqueue",
			"execution_id": executionID,
			"segment":      segment,
			"error":        err.Error(),
		})
	}
}

// captureSnapshot hands the current record to the snapshot store.
// Capture failure never blocks forward progress.
func (e *Engine) captureSnapshot(ctx context.Context, execution *Execution) {
	if e.snapshots == nil {
		return
	}
	if _, err := e.snapshots.Capture(ctx, execution); err != nil {
		e.logger.Warn("Failed to capture snapshot", map[string]interface{}{
			"operation":    "snapshot_capture",
			"execution_id": execution.ID,
			"error":        err.Error(),
		})
	}
}

// snapshotToolVersions captures the current registry fingerprints of all
// plan tools so the resume path can detect contract drift.
func (e *Engine) snapshotToolVersions(execution *Execution) map[string]ToolVersion {
	if e.registry == nil || execution.Plan == nil {
		return nil
	}
	versions := make(map[string]ToolVersion)
	for i := range execution.Plan.Steps {
		tool := execution.Plan.Steps[i].Tool
		if _, seen := versions[tool]; seen {
			continue
		}
		if v, ok := e.registry.Fingerprint(tool); ok {
			versions[tool] = v
		}
	}
	return versions
}

// HandleResume is the durable queue's delivery handler: verify the
// record still matches the world it yielded from, then run the next
// segment. Stale and already-terminal messages are dropped; lock
// contention is not an error because the holder is making progress.
func (e *Engine) HandleResume(ctx context.Context, msg *ResumeMessage) error {
	execution, err := e.store.Get(ctx, msg.ExecutionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		e.logger.Debug("Dropping resume for terminal execution", map[string]interface{}{
			"operation":    "resume_drop",
			"execution_id": msg.ExecutionID,
			"status":       string(execution.Status),
		})
		return nil
	}

	if drift := e.detectDrift(execution); drift != nil {
		return e.recordDrift(ctx, execution, drift)
	}

	result, err := e.ExecuteSegment(ctx, msg.ExecutionID)
	if err != nil {
		if errors.Is(err, core.ErrLockHeld) {
			e.logger.Info("Resume skipped, segment already running", map[string]interface{}{
				"operation":    "resume_skip",
				"execution_id": msg.ExecutionID,
			})
			return nil
		}
		return err
	}

	if result.Yielded {
		e.logger.Debug("Resumed segment yielded again", map[string]interface{}{
			"operation":    "resume_yield",
			"execution_id": msg.ExecutionID,
			"segment":      result.SegmentNumber,
		})
	}
	return nil
}

// driftRecord describes one tool whose contract changed under a
// checkpointed execution.
type driftRecord struct {
	Tool     string `json:"tool"`
	Recorded string `json:"recorded"`
	Live     string `json:"live"`
}

// detectDrift compares the yield-time tool snapshot against the live
// registry. Any changed or vanished fingerprint refuses the resume.
func (e *Engine) detectDrift(execution *Execution) []driftRecord {
	if e.registry == nil || len(execution.ToolVersions) == 0 {
		return nil
	}
	var drifted []driftRecord
	for tool, recorded := range execution.ToolVersions {
		live, ok := e.registry.Fingerprint(tool)
		if !ok {
			drifted = append(drifted, driftRecord{Tool: tool, Recorded: recorded.SchemaFingerprint, Live: ""})
			continue
		}
		if live.SchemaFingerprint != recorded.SchemaFingerprint || live.Version != recorded.Version {
			drifted = append(drifted, driftRecord{Tool: tool, Recorded: recorded.SchemaFingerprint, Live: live.SchemaFingerprint})
		}
	}
	return drifted
}

// recordDrift refuses a resume whose tool contracts changed while the
// execution was parked. The record suspends with SCHEMA_DRIFT preserved;
// re-planning against the new contracts is the planner's job, not ours.
func (e *Engine) recordDrift(ctx context.Context, execution *Execution, drifted []driftRecord) error {
	tools := make([]string, len(drifted))
	details := make([]interface{}, len(drifted))
	for i, d := range drifted {
		tools[i] = d.Tool
		details[i] = map[string]interface{}{"tool": d.Tool, "recorded": d.Recorded, "live": d.Live}
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		ex.Status = StatusSuspended
		if ex.Context == nil {
			ex.Context = make(map[string]interface{})
		}
		ex.Context[ContextKeySchemaDrift] = details
		ex.LastError = &ErrorRecord{
			Kind:       KindSchemaDrift,
			Message:    fmt.Sprintf("tool contracts changed since checkpoint: %v", tools),
			OccurredAt: e.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.publishEvent(ctx, Event{
		Type:        EventSchemaDrift,
		ExecutionID: updated.ID,
		At:          e.now(),
		Payload:     map[string]interface{}{"tools": tools},
	})
	e.logger.Warn("Resume refused on schema drift", map[string]interface{}{
		"operation":    "resume_drift",
		"execution_id": updated.ID,
		"tools":        tools,
	})
	return nil
}

// Confirm resolves a pending confirmation token, marks the gated step as
// human-approved, and schedules the execution to continue.
func (e *Engine) Confirm(ctx context.Context, token, identity string) (*Execution, error) {
	confirmation, err := e.confirmations.Confirm(ctx, token, identity)
	if err != nil {
		return nil, err
	}

	execution, err := e.store.Get(ctx, confirmation.ExecutionID)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		step := ex.StepByID(confirmation.StepID)
		if step == nil {
			return fmt.Errorf("confirmed step %s missing from record", confirmation.StepID)
		}
		step.Confirmed = true
		if ex.Status == StatusAwaitingConfirmation {
			ex.Status = StatusExecuting
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.enqueueResume(ctx, updated.ID, updated.SegmentNumber, nil)
	e.logger.Info("Confirmation accepted", map[string]interface{}{
		"operation":    "confirm",
		"execution_id": updated.ID,
		"step_id":      confirmation.StepID,
	})
	return updated, nil
}

// Reject resolves a pending confirmation token by refusing the gated
// step. The step fails without running; registered compensations unwind
// as for any other failure.
func (e *Engine) Reject(ctx context.Context, token, identity string) (*Execution, error) {
	confirmation, err := e.confirmations.Reject(ctx, token, identity)
	if err != nil {
		return nil, err
	}

	execution, err := e.store.Get(ctx, confirmation.ExecutionID)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		if ex.Status == StatusAwaitingConfirmation {
			ex.Status = StatusExecuting
		}
		ex.MarkFailed(confirmation.StepID, KindStepExecutionFailed,
			fmt.Errorf("confirmation rejected for %s", confirmation.Tool))
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := &stepOutcome{
		stepID: confirmation.StepID,
		kind:   KindStepExecutionFailed,
		err:    fmt.Errorf("confirmation rejected for %s", confirmation.Tool),
	}
	result, err := e.failExecution(ctx, updated, outcome, 0)
	if err != nil {
		return nil, err
	}
	return e.store.Get(ctx, result.ExecutionID)
}

// Cancel stops an execution at the user's request. Only EXECUTING,
// SUSPENDED, and AWAITING_CONFIRMATION records can be cancelled; forward
// effects already committed stay in place.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*Execution, error) {
	execution, err := e.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !execution.Status.IsCancellable() {
		return nil, kindError("engine.Cancel", KindInvalidStatusTransition, executionID,
			fmt.Errorf("cannot cancel from %s: %w", execution.Status, core.ErrInvalidTransition))
	}

	updated, err := e.store.Update(ctx, execution, func(ex *Execution) error {
		if !ex.Status.IsCancellable() {
			return kindError("engine.Cancel", KindInvalidStatusTransition, executionID,
				fmt.Errorf("cannot cancel from %s: %w", ex.Status, core.ErrInvalidTransition))
		}
		ex.Status = StatusCancelled
		now := e.now().UTC()
		ex.CompletedAt = &now
		if ex.Context == nil {
			ex.Context = make(map[string]interface{})
		}
		if reason != "" {
			ex.Context["cancel_reason"] = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.Counter(telemetry.MetricExecutionsCancelled)
	e.logger.Info("Execution cancelled", map[string]interface{}{
		"operation":    "execution_cancel",
		"execution_id": executionID,
		"reason":       reason,
	})
	return updated, nil
}

func (e *Engine) publishEvent(ctx context.Context, event Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish event", map[string]interface{}{
			"operation":    "event_publish",
			"execution_id": event.ExecutionID,
			"event":        string(event.Type),
			"error":        err.Error(),
		})
	}
}

func (e *Engine) segmentResult(execution *Execution, yielded bool, stepsRun int) *SegmentResult {
	result := &SegmentResult{
		ExecutionID:   execution.ID,
		Status:        execution.Status,
		SegmentNumber: execution.SegmentNumber,
		Yielded:       yielded,
		StepsRun:      stepsRun,
		StepsComplete: execution.CompletedSteps(),
		StepsFailed:   execution.FailedSteps(),
	}
	if yielded {
		result.YieldReason = execution.YieldReason
	}
	if execution.LastError != nil {
		result.Error = execution.LastError.Message
	}
	return result
}

// nextStepIndex finds the first plan position still awaiting forward
// work. A fully terminal plan reports its length.
func nextStepIndex(execution *Execution) int {
	for i, step := range execution.Steps {
		if !step.Status.IsTerminal() {
			return i
		}
	}
	return len(execution.Steps)
}

// succeeded reports a clean tool invocation.
func succeeded(result *ToolResult, err error) bool {
	return err == nil && result != nil && result.Success
}

// mergeParams overlays corrected parameters onto the originals without
// mutating either map.
func mergeParams(base, corrections map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(corrections))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range corrections {
		merged[k] = v
	}
	return merged
}

// intentOf reads the execution's high-level intent from its context.
func intentOf(execution *Execution) string {
	if execution.Context == nil {
		return ""
	}
	if intent, ok := execution.Context[ContextKeyIntent].(string); ok {
		return intent
	}
	return ""
}

func toolName(outcome *stepOutcome) string {
	if outcome.def != nil {
		return outcome.def.Name
	}
	return ""
}
