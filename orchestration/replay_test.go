package orchestration

import (
	"context"
	"testing"
	"time"
)

// replayHarness bundles the snapshot store and clock replay tests share.
type replayHarness struct {
	store   *SnapshotStore
	clock   *stepClock
	invoker *fakeInvoker
}

func newReplayHarness(t *testing.T) *replayHarness {
	t.Helper()
	_, client := setupTestRedis(t)
	clock := newStepClock()
	return &replayHarness{
		store:   newTestSnapshotStore(t, client, snapshotTestConfig(), clock),
		clock:   clock,
		invoker: newFakeInvoker(),
	}
}

func (h *replayHarness) replayer(t *testing.T, opts ...ReplayOption) *Replayer {
	t.Helper()
	return NewReplayer(h.store, newBookingRegistry(t), h.invoker, opts...)
}

func (h *replayHarness) capture(t *testing.T, exec *Execution) {
	t.Helper()
	if _, err := h.store.Capture(context.Background(), exec); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	h.clock.Advance(time.Second)
}

func rideOutput(result string) map[string]interface{} {
	return map[string]interface{}{"result": result}
}

func TestReplayMatchesRecordedRun(t *testing.T) {
	h := newReplayHarness(t)
	ctx := context.Background()

	exec := chainedExecution(t, 3)
	h.capture(t, exec)
	exec.MarkCompleted("step-1", rideOutput("a"))
	exec.MarkCompleted("step-2", rideOutput("b"))
	exec.MarkCompleted("step-3", rideOutput("c"))
	h.capture(t, exec)

	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("a")}, nil)
	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("b")}, nil)
	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("c")}, nil)

	report, err := h.replayer(t).Replay(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if report.BaseStepIndex != 0 {
		t.Errorf("BaseStepIndex = %d, want replay from the pre-run snapshot", report.BaseStepIndex)
	}
	if got, want := len(report.ReplayedSteps), 3; got != want {
		t.Fatalf("replayed %d steps (%v), want %d", got, report.ReplayedSteps, want)
	}
	for i, want := range []string{"step-1", "step-2", "step-3"} {
		if report.ReplayedSteps[i] != want {
			t.Errorf("ReplayedSteps[%d] = %s, want %s", i, report.ReplayedSteps[i], want)
		}
	}
	if report.Diverged() {
		t.Errorf("identical outcomes should not diverge, got %+v", report.Divergences)
	}
	if h.invoker.callCount() != 3 {
		t.Errorf("replay made %d tool calls, want 3", h.invoker.callCount())
	}
}

func TestReplayReportsDivergentOutput(t *testing.T) {
	h := newReplayHarness(t)
	ctx := context.Background()

	exec := chainedExecution(t, 3)
	h.capture(t, exec)
	exec.MarkCompleted("step-1", rideOutput("a"))
	exec.MarkCompleted("step-2", rideOutput("b"))
	exec.MarkCompleted("step-3", rideOutput("c"))
	h.capture(t, exec)

	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("a")}, nil)
	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("B")}, nil)
	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("c")}, nil)

	report, err := h.replayer(t).Replay(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(report.Divergences) != 1 {
		t.Fatalf("divergences = %+v, want exactly the changed output", report.Divergences)
	}
	div := report.Divergences[0]
	if div.Path != "steps.step-2.output.result" {
		t.Errorf("divergence path = %s, want steps.step-2.output.result", div.Path)
	}
	if div.Recorded != "b" || div.Replayed != "B" {
		t.Errorf("divergence = (%v, %v), want (b, B)", div.Recorded, div.Replayed)
	}
}

func TestReplayStartsFromNearestSnapshot(t *testing.T) {
	h := newReplayHarness(t)
	ctx := context.Background()

	exec := chainedExecution(t, 3)
	h.capture(t, exec)
	exec.MarkCompleted("step-1", rideOutput("a"))
	exec.MarkCompleted("step-2", rideOutput("b"))
	h.capture(t, exec)
	exec.MarkCompleted("step-3", rideOutput("c"))
	h.capture(t, exec)

	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("c")}, nil)

	report, err := h.replayer(t).Replay(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if report.BaseStepIndex != 2 {
		t.Errorf("BaseStepIndex = %d, want the mid-run snapshot at 2", report.BaseStepIndex)
	}
	if len(report.ReplayedSteps) != 1 || report.ReplayedSteps[0] != "step-3" {
		t.Errorf("ReplayedSteps = %v, want only step-3", report.ReplayedSteps)
	}
	if h.invoker.callCount() != 1 {
		t.Errorf("replay made %d tool calls, want 1", h.invoker.callCount())
	}
	if report.Diverged() {
		t.Errorf("matching outcome should not diverge, got %+v", report.Divergences)
	}
}

func TestReplayHaltsOnStepFailure(t *testing.T) {
	h := newReplayHarness(t)
	ctx := context.Background()

	exec := chainedExecution(t, 3)
	h.capture(t, exec)
	exec.MarkCompleted("step-1", rideOutput("a"))
	exec.MarkCompleted("step-2", rideOutput("b"))
	exec.MarkCompleted("step-3", rideOutput("c"))
	h.capture(t, exec)

	h.invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("a")}, nil)
	h.invoker.respond("book_ride", &ToolResult{Success: false, Error: "boom", StatusCode: 500}, nil)

	report, err := h.replayer(t).Replay(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(report.ReplayedSteps) != 2 {
		t.Fatalf("ReplayedSteps = %v, want replay to halt after the failure", report.ReplayedSteps)
	}
	if h.invoker.callCount() != 2 {
		t.Errorf("replay made %d tool calls, want 2", h.invoker.callCount())
	}

	var statusDiv *Divergence
	for i := range report.Divergences {
		if report.Divergences[i].Path == "steps.step-2.status" {
			statusDiv = &report.Divergences[i]
		}
	}
	if statusDiv == nil {
		t.Fatalf("divergences = %+v, want a status divergence for step-2", report.Divergences)
	}
	if statusDiv.Recorded != string(StepCompleted) || statusDiv.Replayed != string(StepFailed) {
		t.Errorf("status divergence = (%v, %v), want (completed, failed)", statusDiv.Recorded, statusDiv.Replayed)
	}

	if got := report.Replayed.StepByID("step-3").Status; got != StepPending {
		t.Errorf("step-3 status after halt = %s, want pending", got)
	}
}

func TestReplayComparesAgainstLiveRecord(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := newStepClock()
	snapshots := newTestSnapshotStore(t, client, snapshotTestConfig(), clock)
	executions := newTestExecutionStore(t, client)
	invoker := newFakeInvoker()
	ctx := context.Background()

	exec := chainedExecution(t, 3)
	if err := executions.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// Snapshot the pre-run state, then let the "real" run complete in the
	// store only. The newest snapshot knows nothing about the outputs.
	if _, err := snapshots.Capture(ctx, exec); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if _, err := executions.Update(ctx, exec, func(ex *Execution) error {
		ex.Status = StatusExecuting
		ex.MarkCompleted("step-1", rideOutput("a"))
		ex.MarkCompleted("step-2", rideOutput("b"))
		ex.MarkCompleted("step-3", rideOutput("c"))
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("a")}, nil)
	invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("b")}, nil)
	invoker.respond("book_ride", &ToolResult{Success: true, Output: rideOutput("c")}, nil)

	replayer := NewReplayer(snapshots, newBookingRegistry(t), invoker, WithReplayExecutions(executions))
	report, err := replayer.Replay(ctx, exec.ID, 2)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if report.Diverged() {
		t.Errorf("replay matching the live record should not diverge, got %+v", report.Divergences)
	}
	if len(report.ReplayedSteps) != 3 {
		t.Errorf("ReplayedSteps = %v, want all three steps", report.ReplayedSteps)
	}
}

func TestDiffSnapshotsReportsPathLevelChanges(t *testing.T) {
	exec := chainedExecution(t, 3)
	exec.MarkCompleted("step-1", map[string]interface{}{"price": 10.0})

	changed, err := cloneExecution(exec)
	if err != nil {
		t.Fatalf("cloneExecution() error = %v", err)
	}
	changed.StepByID("step-1").Output["price"] = 12.5
	changed.Context["promo"] = "SUMMER"
	changed.UpdatedAt = changed.UpdatedAt.Add(time.Hour)

	captured := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := &Snapshot{ExecutionID: exec.ID, StepIndex: 1, CapturedAt: captured, State: exec}
	b := &Snapshot{ExecutionID: exec.ID, StepIndex: 1, CapturedAt: captured.Add(time.Minute), State: changed}

	divergences, err := DiffSnapshots(a, b)
	if err != nil {
		t.Fatalf("DiffSnapshots() error = %v", err)
	}

	if len(divergences) != 2 {
		t.Fatalf("divergences = %+v, want the planted context and output changes only", divergences)
	}
	if divergences[0].Path != "snapshot.state.context.promo" {
		t.Errorf("divergences[0].Path = %s, want snapshot.state.context.promo", divergences[0].Path)
	}
	if divergences[0].Recorded != nil || divergences[0].Replayed != "SUMMER" {
		t.Errorf("context divergence = (%v, %v), want (nil, SUMMER)", divergences[0].Recorded, divergences[0].Replayed)
	}
	if divergences[1].Path != "snapshot.state.step_states[0].output.price" {
		t.Errorf("divergences[1].Path = %s, want snapshot.state.step_states[0].output.price", divergences[1].Path)
	}
	if divergences[1].Recorded != 10.0 || divergences[1].Replayed != 12.5 {
		t.Errorf("output divergence = (%v, %v), want (10, 12.5)", divergences[1].Recorded, divergences[1].Replayed)
	}
}
