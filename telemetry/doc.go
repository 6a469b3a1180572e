/*
Package telemetry provides observability for the orchestrator.

The package has three layers:

 1. Simple API Layer - developer-facing functions (Counter, Histogram, Gauge, Duration)
 2. Registry Layer - thread-safe global registry with lifecycle management
 3. Provider Layer - OpenTelemetry integration for trace and metric export

All public functions are safe for concurrent use. The global registry is
held in an atomic.Value for lock-free reads on the emission hot path and
written once during Initialize.

Telemetry failures never crash the application: before Initialize (or
after Shutdown, or when no collector is reachable) every Emit call is a
silent no-op.

Initialize once in main:

	telemetry.Initialize(telemetry.UseProfile(telemetry.ProfileProduction))
	defer telemetry.Shutdown(context.Background())

Then emit metrics from anywhere:

	telemetry.Counter("saga.executions.created", "user_id", userID)
	telemetry.Histogram("saga.step.duration_ms", 123.5, "tool", "reserve_table")

For span creation, inject the provider where a core.Telemetry is accepted:

	engine, err := orchestration.NewEngine(cfg,
	    orchestration.WithTelemetry(telemetry.GetTelemetryProvider()))
*/
package telemetry
