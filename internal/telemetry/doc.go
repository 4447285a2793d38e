// Package telemetry sets up OpenTelemetry tracing and metrics for the
// daemon.
//
// Spans and metrics are exported over OTLP/gRPC. When telemetry is disabled
// the global no-op providers are used, so instrumented code needs no
// conditionals. Exporter failures degrade telemetry instead of failing
// startup.
package telemetry
