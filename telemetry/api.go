package telemetry

import (
	"time"
)

// Counter increments a counter metric by 1.
// Use for counting events: executions, yields, retries, rejections.
// Labels are key-value pairs.
// Example: Counter("saga.steps.executed", "tool", "reserve_table")
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution.
// Use for latencies, segment durations, payload sizes.
// Example: Histogram("saga.step.duration_ms", 125.3, "tool", "charge_card")
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge sets a current-value metric.
// Use for values that go up and down: queue depth, active executions.
// Example: Gauge("saga.queue.depth", 42, "queue", "saga:resume")
func Gauge(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer Duration("saga.segment.duration_ms", start, "execution_id", id)
func Duration(name string, startTime time.Time, labels ...string) {
	ms := float64(time.Since(startTime).Milliseconds())
	Emit(name, ms, labels...)
}

// RecordError records an error occurrence with type classification
func RecordError(name string, errorType string, labels ...string) {
	allLabels := append(labels, "error_type", errorType)
	Counter(name, allLabels...)
}

// RecordSuccess records a successful operation
func RecordSuccess(name string, labels ...string) {
	allLabels := append(labels, "status", "success")
	Counter(name, allLabels...)
}

// TimeOperation times an operation and records its duration on completion.
// Example:
//
//	defer TimeOperation("saga.tool.duration_ms", "tool", name)()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}
