package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itsneelabh/gosaga/resilience"
)

// compensationFixture persists an EXECUTING ride+table booking whose
// payment step failed after both bookings completed and registered
// their undo actions.
func compensationFixture(t *testing.T, store ExecutionStore) *Execution {
	t.Helper()

	exec := NewExecution("user-comp", 10.0)
	plan := &ExecutionPlan{
		Steps: []PlanStep{
			{ID: "step-1", Tool: "book_ride", Params: map[string]interface{}{"destination": "downtown"}, OutputKey: "ride"},
			{ID: "step-2", Tool: "book_restaurant_table", Params: map[string]interface{}{"partySize": 2}, DependsOn: []string{"step-1"}},
			{ID: "step-3", Tool: "charge_payment", Params: map[string]interface{}{"amount": 80}, DependsOn: []string{"step-2"}},
		},
	}
	if err := exec.AttachPlan(plan); err != nil {
		t.Fatalf("AttachPlan: %v", err)
	}
	exec.Status = StatusExecuting

	exec.StepByID("step-1").Input = map[string]interface{}{"destination": "downtown"}
	exec.MarkCompleted("step-1", map[string]interface{}{"rideId": "ride-42"})
	exec.RegisterCompensation("step-1", "cancel_ride", map[string]interface{}{"rideId": "ride-42"})

	exec.StepByID("step-2").Input = map[string]interface{}{"partySize": 2}
	exec.MarkCompleted("step-2", map[string]interface{}{"reservationId": "res-7"})
	exec.RegisterCompensation("step-2", "cancel_restaurant", map[string]interface{}{"reservationId": "res-7"})

	exec.MarkFailed("step-3", KindToolExecutionFailed, errors.New("payment card declined"))

	if err := store.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return exec
}

func fastCompensationRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestCompensatorUnwindsInReverseOrder(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	invoker := newFakeInvoker()
	publisher := &capturePublisher{}
	ctx := context.Background()

	exec := compensationFixture(t, store)
	comp := NewCompensator(invoker, store,
		WithCompensatorPublisher(publisher),
		WithCompensatorRetryConfig(fastCompensationRetry()),
	)

	final, err := comp.Run(ctx, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	order := invoker.callOrder()
	if len(order) != 2 || order[0] != "cancel_restaurant" || order[1] != "cancel_ride" {
		t.Fatalf("unwind order = %v, want [cancel_restaurant cancel_ride]", order)
	}

	if final.Status != StatusCompensated {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompensated)
	}
	if got := final.Context[ContextKeyCompensationStatus]; got != string(CompensationComplete) {
		t.Fatalf("compensation status = %v, want %s", got, CompensationComplete)
	}
	for _, entry := range final.RegisteredCompensations {
		if entry.Status != StepCompensated {
			t.Fatalf("entry %s status = %s, want %s", entry.StepID, entry.Status, StepCompensated)
		}
	}
	if final.StepByID("step-1").Status != StepCompensated {
		t.Fatal("forward step-1 should be marked compensated")
	}

	// Compensation parameters come from the registration, not the plan.
	calls := invoker.callsFor("cancel_ride")
	if len(calls) != 1 || calls[0].Params["rideId"] != "ride-42" {
		t.Fatalf("cancel_ride params = %+v", calls)
	}

	if events := publisher.eventsOf(EventCompensationComplete); len(events) != 1 {
		t.Fatalf("expected one completion event, got %d", len(events))
	}
}

func TestCompensatorRetriesTransientFailures(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	invoker := newFakeInvoker()
	ctx := context.Background()

	invoker.respond("cancel_restaurant", &ToolResult{Success: false, StatusCode: 503, Error: "try later"}, nil)
	invoker.respond("cancel_restaurant", &ToolResult{Success: false, StatusCode: 503, Error: "try later"}, nil)
	invoker.respond("cancel_restaurant", &ToolResult{Success: true}, nil)

	exec := compensationFixture(t, store)
	comp := NewCompensator(invoker, store, WithCompensatorRetryConfig(fastCompensationRetry()))

	final, err := comp.Run(ctx, exec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls := invoker.callsFor("cancel_restaurant"); len(calls) != 3 {
		t.Fatalf("cancel_restaurant calls = %d, want 3", len(calls))
	}
	if final.Status != StatusCompensated {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompensated)
	}
}

func TestCompensatorContinuesPastPermanentFailure(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	invoker := newFakeInvoker()
	publisher := &capturePublisher{}
	ctx := context.Background()

	// 409 is permanent: one attempt, no retries.
	invoker.respond("cancel_restaurant", &ToolResult{Success: false, StatusCode: 409, Error: "cannot cancel"}, nil)

	exec := compensationFixture(t, store)
	comp := NewCompensator(invoker, store,
		WithCompensatorPublisher(publisher),
		WithCompensatorRetryConfig(fastCompensationRetry()),
	)

	final, err := comp.Run(ctx, exec)
	if !errors.Is(err, ErrCompensationIncomplete) {
		t.Fatalf("expected ErrCompensationIncomplete, got %v", err)
	}
	if kind := classifyKind(err); kind != KindCompensationFailed {
		t.Fatalf("kind = %s, want %s", kind, KindCompensationFailed)
	}

	if calls := invoker.callsFor("cancel_restaurant"); len(calls) != 1 {
		t.Fatalf("4xx rejection should not retry, got %d calls", len(calls))
	}
	// The ride compensation still ran despite the restaurant failure.
	if calls := invoker.callsFor("cancel_ride"); len(calls) != 1 {
		t.Fatalf("cancel_ride calls = %d, want 1", len(calls))
	}

	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", final.Status, StatusFailed)
	}
	if got := final.Context[ContextKeyCompensationStatus]; got != string(CompensationPartial) {
		t.Fatalf("compensation status = %v, want %s", got, CompensationPartial)
	}
	if final.LastError == nil || final.LastError.Kind != KindCompensationFailed {
		t.Fatalf("last error = %+v", final.LastError)
	}

	events := publisher.eventsOf(EventInterventionRequired)
	if len(events) != 1 {
		t.Fatalf("expected one intervention event, got %d", len(events))
	}
	failed, _ := events[0].Payload["failed_steps"].([]string)
	if len(failed) != 1 || failed[0] != "step-2" {
		t.Fatalf("failed_steps payload = %v", events[0].Payload["failed_steps"])
	}
}

func TestCompensatorSkipsAlreadyCompensated(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	invoker := newFakeInvoker()
	ctx := context.Background()

	exec := compensationFixture(t, store)
	// A previous partial run already undid the restaurant booking.
	updated, err := store.Update(ctx, exec, func(e *Execution) error {
		e.RegisteredCompensations[1].Status = StepCompensated
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	comp := NewCompensator(invoker, store, WithCompensatorRetryConfig(fastCompensationRetry()))
	final, err := comp.Run(ctx, updated)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls := invoker.callsFor("cancel_restaurant"); len(calls) != 0 {
		t.Fatalf("already-compensated entry re-ran: %d calls", len(calls))
	}
	if calls := invoker.callsFor("cancel_ride"); len(calls) != 1 {
		t.Fatalf("cancel_ride calls = %d, want 1", len(calls))
	}
	if final.Status != StatusCompensated {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompensated)
	}
}

func TestCompensatorReleasesIdempotencyMarkers(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	invoker := newFakeInvoker()
	ctx := context.Background()

	gate, err := NewRedisIdempotencyStore("", WithIdempotencyClient(client))
	if err != nil {
		t.Fatalf("NewRedisIdempotencyStore: %v", err)
	}

	exec := compensationFixture(t, store)
	rideInput := exec.StepByID("step-1").Input
	if err := gate.Record(ctx, exec.UserID, "book_ride", rideInput); err != nil {
		t.Fatalf("Record: %v", err)
	}

	comp := NewCompensator(invoker, store,
		WithCompensatorRetryConfig(fastCompensationRetry()),
		WithCompensatorIdempotency(gate),
	)
	if _, err := comp.Run(ctx, exec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dup, err := gate.IsDuplicate(ctx, exec.UserID, "book_ride", rideInput)
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Fatal("idempotency marker should be released after the ride was cancelled")
	}
}
