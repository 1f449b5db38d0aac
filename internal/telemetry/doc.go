// Package telemetry wires OpenTelemetry tracing and metrics for plangate.
//
// A disabled or failing exporter never stops orchestration: New returns a
// Telemetry whose Tracer and Meter fall back to the global no-op providers
// and reports the problem through Health.
package telemetry
