package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/itsneelabh/gosaga/core"
)

func newTestBreaker(t *testing.T, mutate func(*CircuitBreakerConfig)) *CircuitBreaker {
	t.Helper()
	config := DefaultConfig()
	config.Name = "test"
	if mutate != nil {
		mutate(config)
	}
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("Failed to create circuit breaker: %v", err)
	}
	return cb
}

// TestCircuitBreakerStartsClosed tests the initial state
func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := newTestBreaker(t, nil)

	if cb.GetState() != "closed" {
		t.Errorf("Expected closed, got %s", cb.GetState())
	}
	if !cb.CanExecute() {
		t.Error("Expected closed circuit to allow execution")
	}
}

// TestCircuitBreakerOpensOnErrorRate tests the closed -> open transition
func TestCircuitBreakerOpensOnErrorRate(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 5
		c.ErrorThreshold = 0.5
	})

	// 2 successes, 2 failures: below volume threshold, stays closed
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure(errors.New("err"))
	cb.RecordFailure(errors.New("err"))
	if cb.GetState() != "closed" {
		t.Fatalf("Expected closed below volume threshold, got %s", cb.GetState())
	}

	// Fifth request at 60% error rate trips the circuit
	cb.RecordFailure(errors.New("err"))
	if cb.GetState() != "open" {
		t.Errorf("Expected open at 60%% error rate, got %s", cb.GetState())
	}
	if cb.CanExecute() {
		t.Error("Expected open circuit to reject execution")
	}
}

// TestCircuitBreakerStaysClosed tests that a healthy service never trips
func TestCircuitBreakerStaysClosed(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 5
	})

	for i := 0; i < 20; i++ {
		cb.RecordSuccess()
	}
	cb.RecordFailure(errors.New("one-off"))

	if cb.GetState() != "closed" {
		t.Errorf("Expected closed at ~5%% error rate, got %s", cb.GetState())
	}
}

// TestCircuitBreakerIgnoresClassifiedErrors tests that user errors do not
// count toward the threshold
func TestCircuitBreakerIgnoresClassifiedErrors(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 2
		c.ErrorThreshold = 0.5
	})

	for i := 0; i < 10; i++ {
		cb.RecordFailure(core.ErrExecutionNotFound)
	}

	if cb.GetState() != "closed" {
		t.Errorf("Expected closed after not-found errors, got %s", cb.GetState())
	}
}

// TestCircuitBreakerHalfOpenRecovery tests open -> half-open -> closed
func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 1
		c.ErrorThreshold = 0.5
		c.SleepWindow = 20 * time.Millisecond
		c.HalfOpenRequests = 2
		c.SuccessThreshold = 0.5
	})

	cb.RecordFailure(errors.New("err"))
	if cb.GetState() != "open" {
		t.Fatalf("Expected open, got %s", cb.GetState())
	}

	// Before the sleep window elapses, requests are rejected
	if cb.CanExecute() {
		t.Fatal("Expected rejection before sleep window elapsed")
	}

	time.Sleep(25 * time.Millisecond)

	// First request after the sleep window enters half-open
	if !cb.CanExecute() {
		t.Fatal("Expected trial request after sleep window")
	}
	if cb.GetState() != "half-open" {
		t.Fatalf("Expected half-open, got %s", cb.GetState())
	}

	if !cb.CanExecute() {
		t.Fatal("Expected second trial slot")
	}
	// Slots exhausted until outcomes are recorded
	if cb.CanExecute() {
		t.Fatal("Expected rejection with all trial slots issued")
	}

	cb.RecordSuccess()
	cb.RecordSuccess()

	if cb.GetState() != "closed" {
		t.Errorf("Expected closed after successful trials, got %s", cb.GetState())
	}
}

// TestCircuitBreakerHalfOpenReopens tests open -> half-open -> open on
// failed trials
func TestCircuitBreakerHalfOpenReopens(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 1
		c.ErrorThreshold = 0.5
		c.SleepWindow = 20 * time.Millisecond
		c.HalfOpenRequests = 2
		c.SuccessThreshold = 0.6
	})

	cb.RecordFailure(errors.New("err"))
	time.Sleep(25 * time.Millisecond)

	if !cb.CanExecute() {
		t.Fatal("Expected trial request after sleep window")
	}
	if !cb.CanExecute() {
		t.Fatal("Expected second trial slot")
	}

	// 50% trial success rate is below the 60% threshold
	cb.RecordSuccess()
	cb.RecordFailure(errors.New("err"))

	if cb.GetState() != "open" {
		t.Errorf("Expected re-open after failed trials, got %s", cb.GetState())
	}
}

// TestCircuitBreakerReset tests the manual reset path
func TestCircuitBreakerReset(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 1
		c.ErrorThreshold = 0.5
	})

	cb.RecordFailure(errors.New("err"))
	if cb.GetState() != "open" {
		t.Fatalf("Expected open, got %s", cb.GetState())
	}

	cb.Reset()

	if cb.GetState() != "closed" {
		t.Errorf("Expected closed after reset, got %s", cb.GetState())
	}
	if total := cb.window.GetTotal(); total != 0 {
		t.Errorf("Expected empty window after reset, got %d", total)
	}
}

// TestCircuitBreakerExecute tests the Execute wrapper
func TestCircuitBreakerExecute(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 1
		c.ErrorThreshold = 0.5
	})

	err := cb.Execute(context.Background(), func() error { return nil })
	if err != nil {
		t.Errorf("Expected success, got: %v", err)
	}

	boom := errors.New("boom")
	err = cb.Execute(context.Background(), func() error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected original error, got: %v", err)
	}

	// Circuit tripped; next call short-circuits
	err = cb.Execute(context.Background(), func() error {
		t.Fatal("Function should not run through open circuit")
		return nil
	})
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got: %v", err)
	}
}

// TestCircuitBreakerExecuteCanceledContext tests that a canceled context
// is surfaced without touching the window
func TestCircuitBreakerExecuteCanceledContext(t *testing.T) {
	cb := newTestBreaker(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if total := cb.window.GetTotal(); total != 0 {
		t.Errorf("Expected untouched window, got %d recorded", total)
	}
}

// TestCircuitBreakerConcurrentRecording tests thread safety under load
func TestCircuitBreakerConcurrentRecording(t *testing.T) {
	cb := newTestBreaker(t, func(c *CircuitBreakerConfig) {
		c.VolumeThreshold = 1000000 // Never trip during the test
	})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				if (n+j)%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure(errors.New("err"))
				}
				cb.CanExecute()
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	success, failure := cb.window.GetCounts()
	if success+failure != 800 {
		t.Errorf("Expected 800 recorded outcomes, got %d", success+failure)
	}
}

// TestConfigValidation tests rejection of invalid configurations
func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CircuitBreakerConfig)
	}{
		{"negative error threshold", func(c *CircuitBreakerConfig) { c.ErrorThreshold = -0.1 }},
		{"error threshold above one", func(c *CircuitBreakerConfig) { c.ErrorThreshold = 1.5 }},
		{"zero volume threshold", func(c *CircuitBreakerConfig) { c.VolumeThreshold = 0 }},
		{"zero half-open requests", func(c *CircuitBreakerConfig) { c.HalfOpenRequests = 0 }},
		{"zero bucket count", func(c *CircuitBreakerConfig) { c.BucketCount = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.mutate(config)
			_, err := NewCircuitBreaker(config)
			if !errors.Is(err, core.ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration, got: %v", err)
			}
		})
	}
}

// TestSlidingWindowExpiry tests that old buckets age out
func TestSlidingWindowExpiry(t *testing.T) {
	sw := NewSlidingWindow(40*time.Millisecond, 4)

	sw.RecordFailure()
	sw.RecordFailure()
	if total := sw.GetTotal(); total != 2 {
		t.Fatalf("Expected 2 recorded, got %d", total)
	}

	// After a full window the counts are gone
	time.Sleep(60 * time.Millisecond)
	if total := sw.GetTotal(); total != 0 {
		t.Errorf("Expected expired window, got %d", total)
	}
}

// TestSlidingWindowErrorRate tests rate computation
func TestSlidingWindowErrorRate(t *testing.T) {
	sw := NewSlidingWindow(time.Minute, 10)

	if rate := sw.GetErrorRate(); rate != 0 {
		t.Errorf("Expected 0 rate on empty window, got %f", rate)
	}

	sw.RecordSuccess()
	sw.RecordSuccess()
	sw.RecordSuccess()
	sw.RecordFailure()

	if rate := sw.GetErrorRate(); rate != 0.25 {
		t.Errorf("Expected 0.25, got %f", rate)
	}
}

// TestDefaultErrorClassifier tests the classification table
func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err    error
		counts bool
	}{
		{nil, false},
		{core.ErrInvalidConfiguration, false},
		{core.ErrExecutionNotFound, false},
		{core.ErrInvalidTransition, false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.Canceled), false},
		{core.ErrConnectionFailed, true},
		{core.ErrTimeout, true},
		{errors.New("unknown"), true},
	}

	for _, tc := range cases {
		if got := DefaultErrorClassifier(tc.err); got != tc.counts {
			t.Errorf("DefaultErrorClassifier(%v) = %v, want %v", tc.err, got, tc.counts)
		}
	}
}
