// Package observability provides structured logging with secret redaction,
// prometheus metrics, and OpenTelemetry tracing for the relay service.
package observability
