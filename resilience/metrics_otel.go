package resilience

import (
	"context"

	"github.com/itsneelabh/gosaga/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector directly against the
// OpenTelemetry instruments. Unlike TelemetryMetrics, which routes through
// the registry's fail-safe Emit API, this collector binds to whatever global
// MeterProvider is installed and gives callers full attribute control.
type OTelMetricsCollector struct {
	metrics *telemetry.MetricInstruments
	ctx     context.Context
}

// NewOTelMetricsCollector creates a metrics collector bound to the global
// meter provider.
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	return &OTelMetricsCollector{
		metrics: telemetry.NewMetricInstruments("gosaga-resilience"),
		ctx:     ctx,
	}
}

// RecordSuccess records a successful circuit breaker execution
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricCircuitBreakerSuccess, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("result", "success"),
		))
}

// RecordFailure records a failed circuit breaker execution
func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricCircuitBreakerFailure, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("error_type", errorType),
			attribute.String("result", "failure"),
		))
}

// RecordStateChange records a circuit breaker state transition
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	_ = o.metrics.RecordCounter(o.ctx, "saga.tool.circuit.state_changes", 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))

	_ = o.metrics.RecordHistogram(o.ctx, "saga.tool.circuit.current_state", stateGaugeValue(to),
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("state", to),
		))
}

// RecordRejection records when circuit breaker rejects a request
func (o *OTelMetricsCollector) RecordRejection(name string) {
	_ = o.metrics.RecordCounter(o.ctx, telemetry.MetricCircuitBreakerRejected, 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("result", "rejected"),
		))
}

// stateGaugeValue maps a circuit state name to its numeric gauge encoding
// (0=closed, 0.5=half-open, 1=open).
func stateGaugeValue(state string) float64 {
	switch state {
	case "open":
		return 1.0
	case "half-open":
		return 0.5
	default:
		return 0.0
	}
}

var _ MetricsCollector = (*OTelMetricsCollector)(nil)
