// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the session engine.
//
// Loggers are plain *slog.Logger values whose handler redacts API keys and
// bearer tokens before records reach the output. Metrics are registered on a
// caller-supplied registry so tests can use isolated registries. Tracing is a
// no-op unless an OTLP endpoint is configured.
//
// All Metrics and Tracer methods are safe to call on a nil receiver, which
// lets components treat observability as optional.
package observability
