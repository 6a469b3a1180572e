package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/gosaga/telemetry"
)

// TelemetryMetrics implements MetricsCollector using the telemetry API
type TelemetryMetrics struct{}

// NewTelemetryMetrics creates a metrics collector backed by the telemetry module
func NewTelemetryMetrics() *TelemetryMetrics {
	return &TelemetryMetrics{}
}

// RecordSuccess records a successful circuit breaker execution
func (t *TelemetryMetrics) RecordSuccess(name string) {
	telemetry.Counter(telemetry.MetricCircuitBreakerSuccess, "name", name)
}

// RecordFailure records a failed circuit breaker execution
func (t *TelemetryMetrics) RecordFailure(name string, errorType string) {
	telemetry.Counter(telemetry.MetricCircuitBreakerFailure, "name", name, "error_type", errorType)
}

// RecordStateChange records a circuit breaker state transition
func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	telemetry.Counter("saga.tool.circuit.state_changes",
		"name", name,
		"from_state", from,
		"to_state", to)

	stateValue := 0.0
	switch to {
	case "half-open":
		stateValue = 0.5
	case "open":
		stateValue = 1.0
	}
	telemetry.Gauge("saga.tool.circuit.current_state", stateValue, "name", name)
}

// RecordRejection records a request rejected by an open circuit
func (t *TelemetryMetrics) RecordRejection(name string) {
	telemetry.Counter(telemetry.MetricCircuitBreakerRejected, "name", name)
}

// NewCircuitBreakerWithTelemetry creates a circuit breaker that reports
// through the telemetry module
func NewCircuitBreakerWithTelemetry(name string) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Name = name
	config.Metrics = NewTelemetryMetrics()
	return NewCircuitBreaker(config)
}

// ExecuteWithTelemetry wraps circuit breaker execution with duration tracking
func ExecuteWithTelemetry(cb *CircuitBreaker, ctx context.Context, fn func() error) error {
	start := time.Now()

	err := cb.Execute(ctx, fn)

	duration := float64(time.Since(start).Milliseconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	telemetry.Histogram("saga.tool.circuit.duration_ms", duration,
		"name", cb.config.Name,
		"status", status)

	return err
}

// RetryWithTelemetry performs a retry loop with per-attempt telemetry
func RetryWithTelemetry(ctx context.Context, operation string, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	start := time.Now()

	err := Retry(ctx, config, func() error {
		telemetry.Counter("saga.retry.attempts", "operation", operation)
		return fn()
	})

	duration := float64(time.Since(start).Milliseconds())
	if err != nil {
		telemetry.Counter("saga.retry.failures",
			"operation", operation,
			"error_type", fmt.Sprintf("%T", err))
		telemetry.Histogram("saga.retry.duration_ms", duration,
			"operation", operation, "status", "failure")
		return err
	}

	telemetry.Histogram("saga.retry.duration_ms", duration,
		"operation", operation, "status", "success")
	return nil
}
