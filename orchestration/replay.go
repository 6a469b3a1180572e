package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// Divergence is one path where a replayed run disagrees with the record.
type Divergence struct {
	Path     string      `json:"path"`
	Recorded interface{} `json:"recorded"`
	Replayed interface{} `json:"replayed"`
}

// ReplayReport summarises one diagnostic re-execution.
type ReplayReport struct {
	ExecutionID     string       `json:"execution_id"`
	BaseStepIndex   int          `json:"base_step_index"`
	TargetStepIndex int          `json:"target_step_index"`
	ReplayedSteps   []string     `json:"replayed_steps"`
	Divergences     []Divergence `json:"divergences,omitempty"`

	// Replayed is the in-memory state after forward re-execution. It is
	// never written back to the execution store.
	Replayed *Execution `json:"-"`
}

// Diverged reports whether the replay disagreed with the record anywhere.
func (r *ReplayReport) Diverged() bool {
	return len(r.Divergences) > 0
}

// Replayer re-executes an execution from its nearest snapshot against
// substitutable tool layers. Nothing a replay does is persisted: no
// locks, no idempotency markers, no compensations, no store writes. It
// exists to answer "would this run the same way again".
type Replayer struct {
	snapshots  *SnapshotStore
	registry   ToolRegistry
	invoker    ToolInvoker
	executions ExecutionStore

	stepTimeout time.Duration
	logger      core.Logger
	now         func() time.Time
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithReplayLogger sets the logger.
func WithReplayLogger(logger core.Logger) ReplayOption {
	return func(r *Replayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReplayExecutions lets the replayer diff against the live record
// instead of the newest snapshot.
func WithReplayExecutions(store ExecutionStore) ReplayOption {
	return func(r *Replayer) { r.executions = store }
}

// WithReplayStepTimeout overrides the per-invocation deadline.
func WithReplayStepTimeout(timeout time.Duration) ReplayOption {
	return func(r *Replayer) {
		if timeout > 0 {
			r.stepTimeout = timeout
		}
	}
}

// NewReplayer builds a replayer around the snapshot store, the tool
// contract registry, and the invoker to replay against. Passing a mock
// invoker gives deterministic replays; passing the live one re-drives
// real side effects, which is almost never what diagnosis wants.
func NewReplayer(snapshots *SnapshotStore, registry ToolRegistry, invoker ToolInvoker, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		snapshots:   snapshots,
		registry:    registry,
		invoker:     invoker,
		stepTimeout: core.DefaultConfig().Engine.SegmentTimeout,
		logger:      &core.NoOpLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay loads the nearest snapshot at or before the target step, resets
// every step in the window back to pending, executes forward until the
// window is terminal, and diffs each re-executed step's outcome against
// the recorded one. A step failure halts the replay the way it would
// have halted the original run.
func (r *Replayer) Replay(ctx context.Context, executionID string, targetStep int) (*ReplayReport, error) {
	base, err := r.snapshots.Nearest(ctx, executionID, targetStep)
	if err != nil {
		return nil, err
	}
	recorded, err := r.recordedReference(ctx, executionID, base)
	if err != nil {
		return nil, err
	}

	clone, err := cloneExecution(base.State)
	if err != nil {
		return nil, fmt.Errorf("clone snapshot state: %w", err)
	}
	if clone.Plan == nil || len(clone.Plan.Steps) == 0 {
		return nil, kindError("replay.Replay", KindValidationFailed, executionID,
			fmt.Errorf("snapshot carries no plan: %w", core.ErrInvalidConfiguration))
	}
	if targetStep >= len(clone.Plan.Steps) {
		targetStep = len(clone.Plan.Steps) - 1
	}

	telemetry.Counter(telemetry.MetricReplaysStarted)
	r.logger.Info("Replay started", map[string]interface{}{
		"operation":    "replay_start",
		"execution_id": executionID,
		"base_step":    base.StepIndex,
		"target_step":  targetStep,
	})

	resetReplayWindow(clone, base.StepIndex, targetStep)

	report := &ReplayReport{
		ExecutionID:     executionID,
		BaseStepIndex:   base.StepIndex,
		TargetStepIndex: targetStep,
	}

	for !replayWindowDone(clone, targetStep) {
		ready := ReadySteps(clone)
		if len(ready) == 0 {
			return nil, kindError("replay.Replay", KindPlanCircularDependency, executionID,
				fmt.Errorf("target step unreachable from snapshot: %w", ErrPlanCircular))
		}

		batch := make([]string, 0, len(ready))
		for _, stepID := range ready {
			if clone.Plan.StepIndex(stepID) <= targetStep {
				batch = append(batch, stepID)
			}
		}
		if len(batch) == 0 {
			// The window waits on a later-indexed dependency; pull it in.
			batch = ready
		}

		halted := false
		for _, stepID := range batch {
			report.ReplayedSteps = append(report.ReplayedSteps, stepID)
			if !r.replayStep(ctx, clone, stepID) {
				halted = true
				break
			}
		}
		if halted {
			break
		}
	}

	report.Replayed = clone
	report.Divergences = diffSteps(recorded, clone, report.ReplayedSteps)
	if len(report.Divergences) > 0 {
		telemetry.Histogram(telemetry.MetricReplayDivergences, float64(len(report.Divergences)))
	}
	r.logger.Info("Replay finished", map[string]interface{}{
		"operation":      "replay_finish",
		"execution_id":   executionID,
		"steps_replayed": len(report.ReplayedSteps),
		"divergences":    len(report.Divergences),
	})
	return report, nil
}

// recordedReference picks what the replay is compared against: the live
// record when a store is wired, otherwise the newest snapshot, otherwise
// the base itself (steps completed before the window still compare).
func (r *Replayer) recordedReference(ctx context.Context, executionID string, base *Snapshot) (*Execution, error) {
	if r.executions != nil {
		recorded, err := r.executions.Get(ctx, executionID)
		if err == nil {
			return recorded, nil
		}
		if !errors.Is(err, core.ErrExecutionNotFound) {
			return nil, err
		}
	}

	refs, err := r.snapshots.List(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for i := len(refs) - 1; i >= 0; i-- {
		snapshot, err := r.snapshots.Load(ctx, refs[i])
		if errors.Is(err, core.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return snapshot.State, nil
	}
	return base.State, nil
}

// replayStep resolves parameters against the replayed state and invokes
// the tool once. No retries, no correction, no failover: replay answers
// what the bare tool does with these inputs.
func (r *Replayer) replayStep(ctx context.Context, execution *Execution, stepID string) bool {
	planStep := execution.PlanStepByID(stepID)
	step := execution.StepByID(stepID)
	if planStep == nil || step == nil {
		return false
	}

	now := r.now().UTC()
	step.Status = StepInProgress
	step.StartedAt = &now
	step.Attempts++

	params := ResolveParams(execution, planStep.Params)
	if r.registry != nil {
		if def, ok := r.registry.Lookup(planStep.Tool); ok {
			params = ApplyAliases(def, params)
		}
	}
	step.Input = params

	callCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()
	result, err := r.invoker.Invoke(callCtx, planStep.Tool, params)
	if succeeded(result, err) {
		execution.MarkCompleted(stepID, result.Output)
		return true
	}

	kind := KindToolExecutionFailed
	cause := err
	if cause == nil && result != nil {
		cause = errors.New(result.Error)
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = KindToolTimeout
	}
	execution.MarkFailed(stepID, kind, cause)
	return false
}

// resetReplayWindow returns every step in [from, to] to pending and
// scrubs the bookkeeping its prior completion left behind.
func resetReplayWindow(execution *Execution, from, to int) {
	reset := make(map[string]bool)
	for i := from; i <= to && i < len(execution.Steps); i++ {
		step := execution.Steps[i]
		if step.Status == StepPending {
			continue
		}
		reset[step.StepID] = true
		execution.Steps[i] = &StepState{StepID: step.StepID, Status: StepPending}
	}
	if len(reset) == 0 {
		return
	}

	order := execution.CompletionOrder[:0]
	for _, stepID := range execution.CompletionOrder {
		if !reset[stepID] {
			order = append(order, stepID)
		}
	}
	execution.CompletionOrder = order

	comps := execution.RegisteredCompensations[:0]
	for _, c := range execution.RegisteredCompensations {
		if !reset[c.StepID] {
			comps = append(comps, c)
		}
	}
	execution.RegisteredCompensations = comps

	if execution.Plan != nil && execution.Context != nil {
		for i := range execution.Plan.Steps {
			ps := &execution.Plan.Steps[i]
			if reset[ps.ID] && ps.OutputKey != "" {
				delete(execution.Context, ps.OutputKey)
			}
		}
	}
}

// replayWindowDone reports whether every step up to and including the
// target index reached a terminal state.
func replayWindowDone(execution *Execution, to int) bool {
	for i := 0; i <= to && i < len(execution.Steps); i++ {
		if !execution.Steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// diffSteps compares the outcome of each replayed step against the
// recorded record, path by path. Both sides are redacted before the
// comparison so divergence reports can be logged and exported.
func diffSteps(recorded, replayed *Execution, stepIDs []string) []Divergence {
	var divergences []Divergence
	seen := make(map[string]bool, len(stepIDs))
	for _, stepID := range stepIDs {
		if seen[stepID] {
			continue
		}
		seen[stepID] = true
		diffValues("steps."+stepID,
			projectStepOutcome(recorded.StepByID(stepID)),
			projectStepOutcome(replayed.StepByID(stepID)),
			&divergences)
	}
	return divergences
}

// projectStepOutcome keeps the comparable outcome of one step: status,
// output, error. Timing and attempt counts vary run to run and are not
// divergences.
func projectStepOutcome(s *StepState) map[string]interface{} {
	if s == nil {
		return nil
	}
	out := map[string]interface{}{"status": string(s.Status)}
	if s.Output != nil {
		out["output"] = redactSecrets(normalizeJSONMap(s.Output))
	}
	if s.Error != "" {
		out["error"] = s.Error
		out["error_kind"] = s.ErrorKind
	}
	return out
}

// normalizeJSONMap pushes a map through its JSON form so both sides of a
// diff carry the same scalar types (ints become float64 and so on).
func normalizeJSONMap(m map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// diffVolatileKeys are per-run fields that never compare meaningfully
// between two captures of the same execution.
var diffVolatileKeys = map[string]bool{
	"created_at":      true,
	"updated_at":      true,
	"completed_at":    true,
	"started_at":      true,
	"checkpoint_at":   true,
	"registered_at":   true,
	"captured_at":     true,
	"occurred_at":     true,
	"latency_ms":      true,
	"version":         true,
	"resume_attempts": true,
	"attempts":        true,
	"environment":     true,
}

// DiffSnapshots reports every path where two snapshots of the same
// execution disagree, ignoring per-run timing and bookkeeping fields.
func DiffSnapshots(a, b *Snapshot) ([]Divergence, error) {
	left, err := projectSnapshot(a)
	if err != nil {
		return nil, fmt.Errorf("project snapshot: %w", err)
	}
	right, err := projectSnapshot(b)
	if err != nil {
		return nil, fmt.Errorf("project snapshot: %w", err)
	}
	var divergences []Divergence
	diffValues("snapshot", left, right, &divergences)
	return divergences, nil
}

func projectSnapshot(s *Snapshot) (map[string]interface{}, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	stripVolatile(m)
	return m, nil
}

func stripVolatile(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k := range t {
			if diffVolatileKeys[k] {
				delete(t, k)
				continue
			}
			stripVolatile(t[k])
		}
	case []interface{}:
		for _, item := range t {
			stripVolatile(item)
		}
	}
}

// diffValues walks two JSON-shaped values in parallel and records every
// path where they disagree. Map keys are visited in sorted order so the
// output is deterministic.
func diffValues(path string, recorded, replayed interface{}, out *[]Divergence) {
	switch rec := recorded.(type) {
	case map[string]interface{}:
		rep, ok := replayed.(map[string]interface{})
		if !ok {
			*out = append(*out, Divergence{Path: path, Recorded: recorded, Replayed: replayed})
			return
		}
		keys := make([]string, 0, len(rec)+len(rep))
		for k := range rec {
			keys = append(keys, k)
		}
		for k := range rep {
			if _, exists := rec[k]; !exists {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			rv, rok := rec[k]
			pv, pok := rep[k]
			child := path + "." + k
			switch {
			case !rok:
				*out = append(*out, Divergence{Path: child, Recorded: nil, Replayed: pv})
			case !pok:
				*out = append(*out, Divergence{Path: child, Recorded: rv, Replayed: nil})
			default:
				diffValues(child, rv, pv, out)
			}
		}
	case []interface{}:
		rep, ok := replayed.([]interface{})
		if !ok {
			*out = append(*out, Divergence{Path: path, Recorded: recorded, Replayed: replayed})
			return
		}
		if len(rec) != len(rep) {
			*out = append(*out, Divergence{Path: path + ".length", Recorded: len(rec), Replayed: len(rep)})
		}
		n := len(rec)
		if len(rep) < n {
			n = len(rep)
		}
		for i := 0; i < n; i++ {
			diffValues(fmt.Sprintf("%s[%d]", path, i), rec[i], rep[i], out)
		}
	default:
		if !reflect.DeepEqual(recorded, replayed) {
			*out = append(*out, Divergence{Path: path, Recorded: recorded, Replayed: replayed})
		}
	}
}
