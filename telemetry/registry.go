package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/gosaga/core"
)

var (
	// globalRegistry holds the singleton Registry instance.
	// atomic.Value gives lock-free reads on the hot path (metric emission);
	// it is written once during Initialize and cleared on Shutdown.
	globalRegistry atomic.Value // *Registry

	// initOnce ensures Initialize can only succeed once.
	initOnce sync.Once

	// Internal health counters, tracked atomically
	telemetryEmitted atomic.Int64
	telemetryErrors  atomic.Int64
)

// Registry coordinates the telemetry subsystems and provides a unified
// interface for metric emission.
type Registry struct {
	config    Config
	provider  *OTelProvider
	logger    core.Logger
	startTime time.Time
}

// Initialize activates the telemetry system with the given configuration.
// Call once from main before any metrics are emitted; later calls are
// no-ops. Emission before (or without) initialization is a silent no-op,
// so the application never crashes for lack of a collector.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		if !config.Enabled || config.Provider == "none" {
			return
		}
		if config.ServiceName == "" {
			config.ServiceName = "gosaga"
		}
		if config.Endpoint == "" {
			config.Endpoint = "localhost:4317"
		}

		provider, err := NewOTelProvider(config)
		if err != nil {
			initErr = fmt.Errorf("failed to create OTel provider: %w", err)
			return
		}

		globalRegistry.Store(&Registry{
			config:    config,
			provider:  provider,
			logger:    &core.NoOpLogger{},
			startTime: time.Now(),
		})
	})
	return initErr
}

// SetLogger attaches a logger for telemetry self-diagnostics
func SetLogger(logger core.Logger) {
	if r := loadRegistry(); r != nil && logger != nil {
		r.logger = logger
	}
}

// Emit records a metric value with key-value label pairs.
// Example: Emit("saga.steps.executed", 1, "tool", "reserve_table")
func Emit(name string, value float64, labels ...string) {
	r := loadRegistry()
	if r == nil {
		return // Telemetry not initialized, silent no-op
	}
	r.provider.RecordMetric(name, value, parseLabels(labels...))
	telemetryEmitted.Add(1)
}

// EmitWithContext records a metric using any provider carried by the
// context, falling back to the global registry.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Shutdown flushes exporters and stops the telemetry system. Emit calls
// after Shutdown are silent no-ops.
func Shutdown(ctx context.Context) error {
	r := loadRegistry()
	if r == nil {
		return nil
	}

	if r.logger != nil {
		r.logger.Info("Shutting down telemetry system", map[string]interface{}{
			"operation":     "telemetry_shutdown",
			"total_emitted": telemetryEmitted.Load(),
			"uptime_ms":     time.Since(r.startTime).Milliseconds(),
		})
	}

	globalRegistry.Store((*Registry)(nil))

	if r.provider != nil {
		return r.provider.Shutdown(ctx)
	}
	return nil
}

// GetRegistry returns the current registry, or nil when telemetry is
// not initialized.
func GetRegistry() *Registry {
	return loadRegistry()
}

// GetTelemetryProvider returns the provider as a core.Telemetry for
// injection into components that create spans.
func GetTelemetryProvider() core.Telemetry {
	r := loadRegistry()
	if r == nil {
		return &core.NoOpTelemetry{}
	}
	return r.provider
}

func loadRegistry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	r, ok := v.(*Registry)
	if !ok {
		return nil
	}
	return r
}

// parseLabels converts variadic strings to a map.
// "key1", "val1", "key2", "val2" -> map[string]string
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}
