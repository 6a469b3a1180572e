package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording
type MetricInstruments struct {
	meter          metric.Meter
	counters       map[string]metric.Int64Counter
	floatCounters  map[string]metric.Float64Counter
	upDownCounters map[string]metric.Int64UpDownCounter
	histograms     map[string]metric.Float64Histogram
	mu             sync.RWMutex
}

// NewMetricInstruments creates a new metrics instrument cache
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:          otel.Meter(meterName),
		counters:       make(map[string]metric.Int64Counter),
		floatCounters:  make(map[string]metric.Float64Counter),
		upDownCounters: make(map[string]metric.Int64UpDownCounter),
		histograms:     make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordFloatCounter increments a float counter metric (for costs, rates, etc.)
func (m *MetricInstruments) RecordFloatCounter(ctx context.Context, name string, value float64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.floatCounters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.floatCounters[name]; !exists {
			var err error
			counter, err = m.meter.Float64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create float counter %s: %w", name, err)
			}
			m.floatCounters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down (like queue depth)
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.upDownCounters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.upDownCounters[name]; !exists {
			var err error
			counter, err = m.meter.Int64UpDownCounter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create up-down counter %s: %w", name, err)
			}
			m.upDownCounters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (like latencies)
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RecordError increments an error counter with error type
func (m *MetricInstruments) RecordError(ctx context.Context, name string, errorType string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("error.type", errorType)))
}

// RecordSuccess increments a success counter
func (m *MetricInstruments) RecordSuccess(ctx context.Context, name string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("status", "success")))
}

// Orchestrator metric constants
const (
	// Execution lifecycle metrics
	MetricExecutionsCreated   = "saga.executions.created"
	MetricExecutionsCompleted = "saga.executions.completed"
	MetricExecutionsFailed    = "saga.executions.failed"
	MetricExecutionsCancelled = "saga.executions.cancelled"
	MetricExecutionDuration   = "saga.execution.duration_ms"

	// Segment metrics
	MetricSegmentsExecuted = "saga.segments.executed"
	MetricSegmentYields    = "saga.segment.yields"
	MetricSegmentDuration  = "saga.segment.duration_ms"

	// Step metrics
	MetricStepsExecuted = "saga.steps.executed"
	MetricStepDuration  = "saga.step.duration_ms"
	MetricStepRetries   = "saga.step.retries"
	MetricStepFailures  = "saga.step.failures"

	// Compensation metrics
	MetricCompensationRuns     = "saga.compensations.runs"
	MetricCompensationFailures = "saga.compensations.failures"
	MetricCompensationDuration = "saga.compensations.duration_ms"

	// State store metrics
	MetricStateConflicts = "saga.state.conflicts"
	MetricStateSaves     = "saga.state.saves"
	MetricSnapshotsTaken = "saga.snapshots.taken"

	// Lock metrics
	MetricLockAcquired   = "saga.locks.acquired"
	MetricLockContention = "saga.locks.contention"
	MetricLockStale      = "saga.locks.stale_recovered"

	// Idempotency metrics
	MetricIdempotentHits = "saga.idempotency.hits"

	// Correction metrics
	MetricCorrectionAttempts = "saga.corrections.attempts"
	MetricCorrectionLatency  = "saga.corrections.llm_latency_ms"
	MetricCorrectionCostUSD  = "saga.corrections.cost_usd"
	MetricBreakerTrips       = "saga.corrections.breaker_trips"

	// Queue metrics
	MetricQueueEnqueued    = "saga.queue.enqueued"
	MetricQueueDeadLetters = "saga.queue.dead_letters"
	MetricQueueLag         = "saga.queue.lag_ms"

	// Confirmation metrics
	MetricConfirmationsIssued   = "saga.confirmations.issued"
	MetricConfirmationsResolved = "saga.confirmations.resolved"
	MetricConfirmationsExpired  = "saga.confirmations.expired"

	// Reconciler metrics
	MetricReconcilerSweeps   = "saga.reconciler.sweeps"
	MetricZombiesDetected    = "saga.reconciler.zombies_detected"
	MetricZombiesEscalated   = "saga.reconciler.zombies_escalated"
	MetricConfirmationsTimed = "saga.reconciler.confirmations_timed_out"

	// Replay metrics
	MetricReplaysStarted    = "saga.replays.started"
	MetricReplayDivergences = "saga.replays.divergences"

	// Sampled gauges
	MetricExecutionsActive = "saga.executions.active"
	MetricQueueDepth       = "saga.queue.depth"

	// Tool invocation metrics
	MetricToolInvocations = "saga.tool.invocations"
	MetricToolDuration    = "saga.tool.duration_ms"
	MetricToolErrors      = "saga.tool.errors"

	// Circuit breaker metrics (tool transport)
	MetricCircuitBreakerSuccess  = "saga.tool.circuit.success"
	MetricCircuitBreakerFailure  = "saga.tool.circuit.failure"
	MetricCircuitBreakerRejected = "saga.tool.circuit.rejected"
)
