package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/resilience"
)

// setupTestRedis creates a miniredis instance plus a client bound to it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

// newTestExecutionStore builds a store around an injected miniredis client
// with fast rebase timing.
func newTestExecutionStore(t *testing.T, client *redis.Client) *RedisExecutionStore {
	t.Helper()
	return &RedisExecutionStore{
		client:            client,
		keyPrefix:         "test:",
		ttl:               24 * time.Hour,
		failureTTL:        7 * 24 * time.Hour,
		compressThreshold: 100 * 1024,
		rebase: &resilience.RetryConfig{
			MaxAttempts:   4,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		logger: &core.NoOpLogger{},
	}
}

// newPlannedExecution builds an execution with a two-step plan attached.
func newPlannedExecution(t *testing.T, userID string) *Execution {
	t.Helper()
	exec := NewExecution(userID, 10.0)
	plan := &ExecutionPlan{
		Steps: []PlanStep{
			{ID: "step-1", Tool: "book_ride", Params: map[string]interface{}{"destination": "downtown"}, OutputKey: "ride"},
			{ID: "step-2", Tool: "book_restaurant_table", Params: map[string]interface{}{"partySize": 2}, DependsOn: []string{"step-1"}},
		},
	}
	if err := exec.AttachPlan(plan); err != nil {
		t.Fatalf("AttachPlan() error = %v", err)
	}
	return exec
}

func TestExecutionStoreCreateAndGet(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if exec.Version != 1 {
		t.Errorf("Create should leave the record at version 1, got %d", exec.Version)
	}

	loaded, err := store.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if loaded.Version != 1 {
		t.Errorf("loaded version = %d, want 1", loaded.Version)
	}
	if loaded.UserID != "user-1" {
		t.Errorf("loaded user = %q, want user-1", loaded.UserID)
	}
	if loaded.Status != StatusPlanned {
		t.Errorf("loaded status = %s, want PLANNED", loaded.Status)
	}
	if len(loaded.Steps) != 2 || loaded.Steps[0].StepID != "step-1" {
		t.Errorf("step states not preserved: %+v", loaded.Steps)
	}
	if loaded.Plan.Fingerprint() != exec.Plan.Fingerprint() {
		t.Error("plan fingerprint changed across round-trip")
	}
}

func TestExecutionStoreCreateDuplicate(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dup := newPlannedExecution(t, "user-1")
	dup.ID = exec.ID
	err := store.Create(ctx, dup)
	if err == nil {
		t.Fatal("second Create with the same id should fail")
	}
	if !core.IsConflict(err) {
		t.Errorf("expected conflict error, got: %v", err)
	}
}

func TestExecutionStoreGetNotFound(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got: %v", err)
	}
}

func TestExecutionStoreUpdateIncrementsVersion(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := store.Update(ctx, exec, func(e *Execution) error {
		e.Status = StatusExecuting
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if updated.Version != exec.Version+1 {
		t.Errorf("new version = %d, want read version + 1 = %d", updated.Version, exec.Version+1)
	}
	if updated.Status != StatusExecuting {
		t.Errorf("status = %s, want EXECUTING", updated.Status)
	}

	// The caller's base is untouched by the write.
	if exec.Status != StatusPlanned {
		t.Errorf("base record mutated: status = %s", exec.Status)
	}
}

// TestExecutionStoreConflictRebase exercises two writers holding the same
// read version: one wins outright, the other observes the conflict,
// reloads, re-applies its delta against the fresh base, and lands on the
// next version. Both effects survive.
func TestExecutionStoreConflictRebase(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	baseA, err := store.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	baseB, err := store.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if baseA.Version != baseB.Version {
		t.Fatalf("both readers should see the same version")
	}

	winner, err := store.Update(ctx, baseA, func(e *Execution) error {
		e.Context["writer_a"] = "a"
		return nil
	})
	if err != nil {
		t.Fatalf("writer A Update() error = %v", err)
	}
	if winner.Version != baseA.Version+1 {
		t.Fatalf("writer A landed on version %d, want %d", winner.Version, baseA.Version+1)
	}

	rebased, err := store.Update(ctx, baseB, func(e *Execution) error {
		e.Context["writer_b"] = "b"
		return nil
	})
	if err != nil {
		t.Fatalf("writer B Update() should rebase and succeed, got: %v", err)
	}
	if rebased.Version != winner.Version+1 {
		t.Errorf("writer B landed on version %d, want %d", rebased.Version, winner.Version+1)
	}

	final, err := store.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if final.Context["writer_a"] != "a" || final.Context["writer_b"] != "b" {
		t.Errorf("rebase lost a delta: context = %v", final.Context)
	}
}

func TestExecutionStoreRebaseExhaustion(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	key := store.executionKey(exec.ID)
	deltaCalls := 0

	// Every delta application bumps the stored version out from under the
	// writer, so every CAS attempt conflicts until the budget runs out.
	_, err := store.Update(ctx, exec, func(e *Execution) error {
		deltaCalls++
		cur := mr.HGet(key, "ver")
		n, _ := strconv.Atoi(cur)
		mr.HSet(key, "ver", strconv.Itoa(n+1))
		return nil
	})
	if err == nil {
		t.Fatal("Update should exhaust its rebase budget")
	}
	if !errors.Is(err, core.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got: %v", err)
	}
	if core.ErrorKind(err) != KindConcurrentModification {
		t.Errorf("expected kind %s, got %q", KindConcurrentModification, core.ErrorKind(err))
	}
	if deltaCalls != 4 {
		t.Errorf("delta re-derived %d times, want 4 (initial + 3 retries)", deltaCalls)
	}
}

func TestExecutionStoreInvalidTransitionRejected(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Drive the record to COMPLETED, then try to leave it.
	executing, err := store.Update(ctx, exec, func(e *Execution) error {
		e.Status = StatusExecuting
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	completed, err := store.Update(ctx, executing, func(e *Execution) error {
		e.Status = StatusCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	deltaCalls := 0
	_, err = store.Update(ctx, completed, func(e *Execution) error {
		deltaCalls++
		e.Status = StatusExecuting
		return nil
	})
	if err == nil {
		t.Fatal("transition out of a terminal status must be rejected")
	}
	if !errors.Is(err, core.ErrExecutionTerminal) {
		t.Errorf("expected ErrExecutionTerminal, got: %v", err)
	}
	if deltaCalls != 1 {
		t.Errorf("permanent rejection should not be retried, delta ran %d times", deltaCalls)
	}

	// CREATED cannot jump straight to EXECUTING either.
	fresh := NewExecution("user-2", 5)
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = store.Update(ctx, fresh, func(e *Execution) error {
		e.Status = StatusExecuting
		return nil
	})
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}
}

func TestExecutionStorePlanImmutableAfterPlanned(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := store.Update(ctx, exec, func(e *Execution) error {
		e.Plan.Steps[0].Tool = "something_else"
		return nil
	})
	if err == nil {
		t.Fatal("plan mutation after PLANNED must be rejected")
	}
	if !errors.Is(err, core.ErrPlanImmutable) {
		t.Errorf("expected ErrPlanImmutable, got: %v", err)
	}
}

func TestExecutionStoreCompressionRoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	store.compressThreshold = 64
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	exec.Context["padding"] = strings.Repeat("x", 2048)
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	raw := mr.HGet(store.executionKey(exec.ID), "doc")
	if len(raw) == 0 || raw[0] != compressionFlagGzip {
		t.Fatalf("document over threshold should carry the gzip flag, got %q", raw[:1])
	}

	loaded, err := store.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loaded.Context["padding"] != exec.Context["padding"] {
		t.Error("compressed document did not round-trip")
	}
}

func TestExecutionStoreActiveIndex(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := mr.ZScore(store.activeKey(), exec.ID); err != nil {
		t.Fatalf("created execution should be in the active index: %v", err)
	}

	executing, err := store.Update(ctx, exec, func(e *Execution) error {
		e.Status = StatusExecuting
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Backdate the index entry so it shows up as stale.
	stale := float64(time.Now().Add(-10 * time.Minute).UnixMilli())
	client.ZAdd(ctx, store.activeKey(), &redis.Z{Score: stale, Member: exec.ID})

	ids, err := store.ListStaleActive(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("ListStaleActive() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != exec.ID {
		t.Errorf("stale scan = %v, want [%s]", ids, exec.ID)
	}

	status, err := store.StatusOf(ctx, exec.ID)
	if err != nil {
		t.Fatalf("StatusOf() error = %v", err)
	}
	if status != StatusExecuting {
		t.Errorf("StatusOf = %s, want EXECUTING", status)
	}

	// Terminal write removes the record from the index.
	if _, err := store.Update(ctx, executing, func(e *Execution) error {
		e.Status = StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := mr.ZScore(store.activeKey(), exec.ID); err == nil {
		t.Error("terminal execution should leave the active index")
	}

	ids, err = store.ListStaleActive(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("ListStaleActive() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("stale scan after completion = %v, want empty", ids)
	}
}

func TestExecutionStoreDelete(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := newTestExecutionStore(t, client)
	ctx := context.Background()

	exec := newPlannedExecution(t, "user-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Delete(ctx, exec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if mr.Exists(store.executionKey(exec.ID)) {
		t.Error("record key should be gone")
	}
	if _, err := store.Get(ctx, exec.ID); !errors.Is(err, core.ErrExecutionNotFound) {
		t.Errorf("expected not-found after delete, got: %v", err)
	}
}

func TestSerializeExecutionFlagBytes(t *testing.T) {
	exec := NewExecution("user-1", 1)

	plain, err := serializeExecution(exec, 1<<20)
	if err != nil {
		t.Fatalf("serialize error = %v", err)
	}
	if plain[0] != compressionFlagNone {
		t.Errorf("small doc flag = %q, want '0'", plain[0])
	}

	exec.Context["blob"] = strings.Repeat("y", 4096)
	packed, err := serializeExecution(exec, 128)
	if err != nil {
		t.Fatalf("serialize error = %v", err)
	}
	if packed[0] != compressionFlagGzip {
		t.Errorf("large doc flag = %q, want '1'", packed[0])
	}
	if len(packed) >= 4096 {
		t.Errorf("gzip did not shrink the repetitive payload: %d bytes", len(packed))
	}

	back, err := deserializeExecution(packed)
	if err != nil {
		t.Fatalf("deserialize error = %v", err)
	}
	if back.Context["blob"] != exec.Context["blob"] {
		t.Error("payload did not survive the round-trip")
	}

	if _, err := deserializeExecution([]byte{'9', '{', '}'}); err == nil {
		t.Error("unknown compression flag should error")
	}
}

func TestStatusGraph(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		allowed  bool
	}{
		{StatusCreated, StatusPlanned, true},
		{StatusCreated, StatusExecuting, false},
		{StatusPlanned, StatusExecuting, true},
		{StatusExecuting, StatusCompensating, true},
		{StatusExecuting, StatusAwaitingConfirmation, true},
		{StatusAwaitingConfirmation, StatusExecuting, true},
		{StatusCompensating, StatusCompensated, true},
		{StatusCompensating, StatusCompleted, false},
		{StatusCompleted, StatusExecuting, false},
		{StatusCancelled, StatusExecuting, false},
		{StatusExecuting, StatusExecuting, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}

	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusCompensated}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusExecuting.IsTerminal() {
		t.Error("EXECUTING is not terminal")
	}
}

func TestExecutionHelpers(t *testing.T) {
	exec := newPlannedExecution(t, "user-1")

	start := time.Now().UTC().Add(-150 * time.Millisecond)
	st := exec.StepByID("step-1")
	st.Status = StepInProgress
	st.StartedAt = &start

	exec.MarkCompleted("step-1", map[string]interface{}{"rideId": "ride-123"})
	if exec.CompletedSteps() != 1 {
		t.Errorf("CompletedSteps = %d, want 1", exec.CompletedSteps())
	}
	if st.LatencyMs <= 0 {
		t.Errorf("latency not stamped: %d", st.LatencyMs)
	}
	if len(exec.CompletionOrder) != 1 || exec.CompletionOrder[0] != "step-1" {
		t.Errorf("completion order = %v", exec.CompletionOrder)
	}
	out, ok := exec.Context["ride"].(map[string]interface{})
	if !ok || out["rideId"] != "ride-123" {
		t.Errorf("output not published under output key: %v", exec.Context["ride"])
	}

	exec.MarkFailed("step-2", KindToolExecutionFailed, fmt.Errorf("restaurant fully booked"))
	if exec.FailedSteps() != 1 {
		t.Errorf("FailedSteps = %d, want 1", exec.FailedSteps())
	}
	if exec.LastError == nil || exec.LastError.Kind != KindToolExecutionFailed {
		t.Errorf("last error record = %+v", exec.LastError)
	}

	exec.RegisterCompensation("step-1", "cancel_ride", map[string]interface{}{"rideId": "ride-123"})
	if len(exec.RegisteredCompensations) != 1 || exec.RegisteredCompensations[0].Tool != "cancel_ride" {
		t.Errorf("compensations = %+v", exec.RegisteredCompensations)
	}
}
