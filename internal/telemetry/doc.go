// Package telemetry wires OpenTelemetry tracing and metrics for ledgerd.
//
// New installs global tracer and meter providers backed by OTLP exporters
// (gRPC by default, http/protobuf optionally). Services obtain their tracer
// and meter through otel.Tracer/otel.Meter with their package path as the
// instrumentation name, so they pick up whatever New installed.
//
// Telemetry never takes the process down: exporter setup failures leave the
// instance degraded with no-op providers.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory, and
// Install to make it the global provider for the duration of a test:
//
//	tt := telemetry.NewTestTelemetry()
//	tt.Install(t)
//	// ... exercise a service ...
//	tt.AssertSpanExists(t, "checkpoint.create")
package telemetry
