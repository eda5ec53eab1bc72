// Package observability provides structured logging, metrics, and tracing
// for the modsystem messaging core.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper tolerates a nil logger.
package observability

import (
	"log/slog"
)

// LogPublish logs a bus publish with its fan-out count.
func LogPublish(logger *slog.Logger, eventType string, handlers int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_type", eventType),
		slog.Int("handlers", handlers),
	)
}

// LogSubscription logs a new subscription on the bus.
func LogSubscription(logger *slog.Logger, eventType, subscriber string) {
	if logger == nil {
		return
	}
	logger.Debug("subscription registered",
		slog.String("event_type", eventType),
		slog.String("subscriber", subscriber),
	)
}

// LogHandlerError logs a handler failure during delivery.
func LogHandlerError(logger *slog.Logger, eventType, subscriber string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("event_type", eventType),
		slog.String("subscriber", subscriber),
		slog.String("error", err.Error()),
	)
}

// LogRouteFired logs a route whose conditions matched.
func LogRouteFired(logger *slog.Logger, route, eventType string, actions int) {
	if logger == nil {
		return
	}
	logger.Debug("route fired",
		slog.String("route", route),
		slog.String("event_type", eventType),
		slog.Int("actions", actions),
	)
}

// LogActionFailure logs an action that could not be constructed or scheduled.
func LogActionFailure(logger *slog.Logger, route, target string, err error) {
	if logger == nil {
		return
	}
	logger.Error("action failed",
		slog.String("route", route),
		slog.String("target_mod", target),
		slog.String("error", err.Error()),
	)
}

// LogRunStart logs the start of a workflow run.
func LogRunStart(logger *slog.Logger, workflow, runID string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
	)
}

// LogRunComplete logs successful workflow run completion.
func LogRunComplete(logger *slog.Logger, workflow, runID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("workflow run completed",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRunFailed logs a workflow run reaching a terminal failure state.
func LogRunFailed(logger *slog.Logger, workflow, runID, state, reason string) {
	if logger == nil {
		return
	}
	logger.Error("workflow run failed",
		slog.String("workflow", workflow),
		slog.String("run_id", runID),
		slog.String("state", state),
		slog.String("reason", reason),
	)
}

// LogRequestTimeout logs a request that expired before a response arrived.
func LogRequestTimeout(logger *slog.Logger, requestType, correlationID string) {
	if logger == nil {
		return
	}
	logger.Warn("request timed out",
		slog.String("request_type", requestType),
		slog.String("correlation_id", correlationID),
	)
}
