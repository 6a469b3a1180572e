package telemetry

import (
	"context"
	"testing"
	"time"
)

// TestTelemetryLifecycle walks the full init/emit/shutdown cycle in one
// test since the registry is package-global.
func TestTelemetryLifecycle(t *testing.T) {
	// Emission before Initialize is a silent no-op
	Counter("saga.executions.created", "user_id", "u-1")
	Histogram("saga.step.duration_ms", 12.5)

	if GetRegistry() != nil {
		t.Fatal("Expected nil registry before Initialize")
	}

	config := UseProfile(ProfileDevelopment)
	config.ServiceName = "telemetry-test"
	if err := Initialize(config); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if GetRegistry() == nil {
		t.Fatal("Expected registry after Initialize")
	}

	// Second Initialize is a no-op, not an error
	if err := Initialize(config); err != nil {
		t.Errorf("Repeated Initialize should be a no-op, got: %v", err)
	}

	Counter("saga.executions.created", "user_id", "u-1")
	Gauge("saga.queue.depth", 3, "queue", "saga:resume")
	Duration("saga.segment.duration_ms", time.Now().Add(-5*time.Millisecond))
	RecordError("saga.steps.executed", "timeout", "tool", "reserve_table")

	provider := GetTelemetryProvider()
	ctx, span := provider.StartSpan(context.Background(), "test.operation")
	if ctx == nil || span == nil {
		t.Fatal("Expected context and span from provider")
	}
	span.SetAttribute("execution_id", "exec-1")
	span.SetAttribute("attempt", 2)
	span.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	if GetRegistry() != nil {
		t.Error("Expected nil registry after Shutdown")
	}

	// Emission after Shutdown is a silent no-op
	Counter("saga.executions.created")
}

func TestParseLabels(t *testing.T) {
	m := parseLabels("a", "1", "b", "2")
	if len(m) != 2 || m["a"] != "1" || m["b"] != "2" {
		t.Errorf("Unexpected label map: %v", m)
	}

	// Odd trailing key is dropped
	m = parseLabels("a", "1", "dangling")
	if len(m) != 1 || m["a"] != "1" {
		t.Errorf("Expected dangling key dropped, got: %v", m)
	}

	if m = parseLabels(); len(m) != 0 {
		t.Errorf("Expected empty map, got: %v", m)
	}
}

func TestMetricEndpoint(t *testing.T) {
	cases := map[string]string{
		"localhost:4317":      "localhost:4318",
		"collector.prod:4317": "collector.prod:4318",
		"localhost:4318":      "localhost:4318",
		"collector:9999":      "collector:9999",
	}
	for in, want := range cases {
		if got := metricEndpoint(in); got != want {
			t.Errorf("metricEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsHistogramMetric(t *testing.T) {
	histograms := []string{
		"saga.step.duration_ms",
		"saga.execution.duration",
		"saga.queue.lag_ms",
	}
	counters := []string{
		"saga.executions.created",
		"saga.state.conflicts",
	}

	for _, name := range histograms {
		if !isHistogramMetric(name) {
			t.Errorf("Expected %q to be histogram", name)
		}
	}
	for _, name := range counters {
		if isHistogramMetric(name) {
			t.Errorf("Expected %q to be counter", name)
		}
	}
}

func TestUseProfile(t *testing.T) {
	dev := UseProfile(ProfileDevelopment)
	if !dev.Enabled || dev.Provider != "stdout" {
		t.Errorf("Unexpected development profile: %+v", dev)
	}

	prod := UseProfile(ProfileProduction)
	if prod.Provider != "otlp" || prod.SamplingRate != 0.1 {
		t.Errorf("Unexpected production profile: %+v", prod)
	}

	// Unknown profiles fall back to development
	fallback := UseProfile(Profile("nonsense"))
	if fallback.Provider != dev.Provider {
		t.Errorf("Expected development fallback, got: %+v", fallback)
	}
}

func TestConfigWithOverrides(t *testing.T) {
	base := UseProfile(ProfileProduction)
	merged := base.WithOverrides(Config{
		ServiceName: "booking-orchestrator",
		Endpoint:    "otel.internal:4317",
	})

	if merged.ServiceName != "booking-orchestrator" {
		t.Errorf("Expected overridden service name, got %q", merged.ServiceName)
	}
	if merged.Endpoint != "otel.internal:4317" {
		t.Errorf("Expected overridden endpoint, got %q", merged.Endpoint)
	}
	if merged.Provider != "otlp" {
		t.Errorf("Expected base provider preserved, got %q", merged.Provider)
	}
	if merged.SamplingRate != base.SamplingRate {
		t.Errorf("Expected base sampling preserved, got %v", merged.SamplingRate)
	}
}
