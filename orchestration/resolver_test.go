package orchestration

import (
	"errors"
	"reflect"
	"testing"
)

func planOf(steps ...PlanStep) *ExecutionPlan {
	return &ExecutionPlan{Steps: steps}
}

func TestResolvePlanLayersAndOrder(t *testing.T) {
	plan := planOf(
		PlanStep{ID: "a", Tool: "search_restaurants", EstimatedLatencyMs: 200},
		PlanStep{ID: "b", Tool: "check_availability", DependsOn: []string{"a"}, EstimatedLatencyMs: 300},
		PlanStep{ID: "c", Tool: "book_ride", DependsOn: []string{"a"}, EstimatedLatencyMs: 900},
		PlanStep{ID: "d", Tool: "send_confirmation", DependsOn: []string{"b", "c"}, EstimatedLatencyMs: 100},
	)

	resolved, err := ResolvePlan(plan)
	if err != nil {
		t.Fatalf("ResolvePlan() error = %v", err)
	}

	wantBatches := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(resolved.Batches) != len(wantBatches) {
		t.Fatalf("batches = %+v, want %v", resolved.Batches, wantBatches)
	}
	for i, want := range wantBatches {
		if !reflect.DeepEqual(resolved.Batches[i].Steps, want) {
			t.Errorf("batch %d = %v, want %v", i, resolved.Batches[i].Steps, want)
		}
	}

	if !reflect.DeepEqual(resolved.Order, []string{"a", "b", "c", "d"}) {
		t.Errorf("order = %v", resolved.Order)
	}
	if !reflect.DeepEqual(resolved.Dependents["a"], []string{"b", "c"}) {
		t.Errorf("dependents[a] = %v", resolved.Dependents["a"])
	}

	s := resolved.Summary
	if s.TotalSteps != 4 || s.Depth != 3 || s.BatchCount != 3 || s.MaxParallelism != 2 {
		t.Errorf("summary = %+v", s)
	}
	// Per-batch maxima: 200 + max(300, 900) + 100.
	if s.EstimatedLatencyMs != 1200 {
		t.Errorf("estimated latency = %d, want 1200", s.EstimatedLatencyMs)
	}
}

func TestResolvePlanOutputKeyConflicts(t *testing.T) {
	// b and c could both write "venue"; they must not run concurrently.
	plan := planOf(
		PlanStep{ID: "a", Tool: "search_restaurants"},
		PlanStep{ID: "b", Tool: "book_restaurant_table", DependsOn: []string{"a"}, OutputKey: "venue"},
		PlanStep{ID: "c", Tool: "book_bar_table", DependsOn: []string{"a"}, OutputKey: "venue"},
		PlanStep{ID: "d", Tool: "book_ride", DependsOn: []string{"a"}, OutputKey: "ride"},
	)

	resolved, err := ResolvePlan(plan)
	if err != nil {
		t.Fatalf("ResolvePlan() error = %v", err)
	}

	wantBatches := [][]string{{"a"}, {"b"}, {"c"}, {"d"}}
	var got [][]string
	for _, b := range resolved.Batches {
		got = append(got, b.Steps)
	}
	if !reflect.DeepEqual(got, wantBatches) {
		t.Fatalf("batches = %v, want %v", got, wantBatches)
	}

	if resolved.Batches[1].Parallel || resolved.Batches[2].Parallel {
		t.Error("conflicting steps marked parallelisable")
	}
	if !resolved.Batches[3].Parallel {
		t.Error("non-conflicting step lost its parallel flag")
	}
	if resolved.Summary.ConflictBatches != 2 {
		t.Errorf("conflict batches = %d, want 2", resolved.Summary.ConflictBatches)
	}
}

func TestResolvePlanRejectsCycles(t *testing.T) {
	plan := planOf(
		PlanStep{ID: "a", Tool: "t", DependsOn: []string{"c"}},
		PlanStep{ID: "b", Tool: "t", DependsOn: []string{"a"}},
		PlanStep{ID: "c", Tool: "t", DependsOn: []string{"b"}},
	)

	_, err := ResolvePlan(plan)
	if err == nil {
		t.Fatal("cycle accepted")
	}
	if !errors.Is(err, ErrPlanCircular) {
		t.Errorf("error = %v, want ErrPlanCircular", err)
	}
	if kind := classifyKind(err); kind != KindPlanCircularDependency {
		t.Errorf("kind = %s, want PLAN_CIRCULAR_DEPENDENCY", kind)
	}
}

func TestResolvePlanRejectsSelfDependency(t *testing.T) {
	_, err := ResolvePlan(planOf(PlanStep{ID: "a", Tool: "t", DependsOn: []string{"a"}}))
	if !errors.Is(err, ErrPlanCircular) {
		t.Errorf("error = %v, want ErrPlanCircular", err)
	}
}

func TestResolvePlanRejectsUnknownAndDuplicateIDs(t *testing.T) {
	_, err := ResolvePlan(planOf(PlanStep{ID: "a", Tool: "t", DependsOn: []string{"ghost"}}))
	if err == nil {
		t.Error("unknown dependency accepted")
	}

	_, err = ResolvePlan(planOf(
		PlanStep{ID: "a", Tool: "t"},
		PlanStep{ID: "a", Tool: "t"},
	))
	if err == nil {
		t.Error("duplicate step id accepted")
	}

	_, err = ResolvePlan(&ExecutionPlan{})
	if err == nil {
		t.Error("empty plan accepted")
	}
}

func TestResolvePlanDeterministicTieBreak(t *testing.T) {
	plan := planOf(
		PlanStep{ID: "z", Tool: "t"},
		PlanStep{ID: "m", Tool: "t"},
		PlanStep{ID: "a", Tool: "t"},
	)

	for i := 0; i < 20; i++ {
		resolved, err := ResolvePlan(plan)
		if err != nil {
			t.Fatalf("ResolvePlan() error = %v", err)
		}
		// Plan order, not lexicographic order.
		if !reflect.DeepEqual(resolved.Order, []string{"z", "m", "a"}) {
			t.Fatalf("iteration %d: order = %v, want plan order", i, resolved.Order)
		}
	}
}

func TestReadySteps(t *testing.T) {
	exec := newPlannedExecution(t, "user-1")

	ready := ReadySteps(exec)
	if !reflect.DeepEqual(ready, []string{"step-1"}) {
		t.Fatalf("ready = %v, want [step-1]", ready)
	}

	exec.MarkCompleted("step-1", map[string]interface{}{"rideId": "ride-123"})
	ready = ReadySteps(exec)
	if !reflect.DeepEqual(ready, []string{"step-2"}) {
		t.Fatalf("ready after step-1 = %v, want [step-2]", ready)
	}

	exec.MarkCompleted("step-2", nil)
	if ready = ReadySteps(exec); len(ready) != 0 {
		t.Errorf("ready after completion = %v, want none", ready)
	}
}

func TestReadyStepsBlockedBySkippedDependency(t *testing.T) {
	exec := newPlannedExecution(t, "user-1")
	exec.StepByID("step-1").Status = StepSkipped

	if ready := ReadySteps(exec); len(ready) != 0 {
		t.Errorf("ready = %v, skipped dependency must not unblock", ready)
	}
}

func TestSelectBatch(t *testing.T) {
	plan := planOf(
		PlanStep{ID: "a", Tool: "t", OutputKey: "venue"},
		PlanStep{ID: "b", Tool: "t", OutputKey: "venue"},
		PlanStep{ID: "c", Tool: "t", OutputKey: "ride"},
		PlanStep{ID: "d", Tool: "t"},
		PlanStep{ID: "e", Tool: "t"},
	)
	ready := []string{"a", "b", "c", "d", "e"}

	batch := SelectBatch(plan, ready, 3)
	// b conflicts with a on "venue" and is deferred to a later pass.
	if !reflect.DeepEqual(batch, []string{"a", "c", "d"}) {
		t.Errorf("batch = %v, want [a c d]", batch)
	}

	if batch := SelectBatch(plan, ready, 0); batch != nil {
		t.Errorf("zero-size batch = %v", batch)
	}
	if batch := SelectBatch(plan, []string{"b"}, 3); !reflect.DeepEqual(batch, []string{"b"}) {
		t.Errorf("singleton batch = %v", batch)
	}
}
