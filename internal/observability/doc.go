// Package observability provides metrics, structured logging, and tracing
// for the Spectra analysis service.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registry, so tests and embedded servers can use an isolated
// prometheus.NewRegistry(). They track model requests, tool executions,
// turn outcomes, extracted charts, and HTTP traffic.
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordTurn("complete", 2)
//
// # Logging
//
// Logger wraps log/slog with request and session correlation and redacts
// provider credentials. Slog() exposes a redacting *slog.Logger for
// components that accept the standard type.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx = observability.AddSessionID(ctx, "default")
//	logger.Info(ctx, "turn complete", "iterations", 2)
//
// # Tracing
//
// Tracer produces OpenTelemetry spans for turns, model requests and tool
// executions. With no OTLP endpoint configured it is a no-op.
package observability
