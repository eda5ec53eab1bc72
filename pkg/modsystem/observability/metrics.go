package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records messaging-core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a bus publish with its fan-out size and delivery duration.
	RecordPublish(ctx context.Context, eventType string, handlers int, duration time.Duration)

	// RecordHandlerError records a handler failure during delivery.
	RecordHandlerError(ctx context.Context, eventType string)

	// RecordActionScheduled records a delayed-action scheduling attempt.
	// accepted is false when the scheduler rejected it for capacity.
	RecordActionScheduled(ctx context.Context, accepted bool)

	// RecordWorkflowRun records a workflow run reaching a terminal state.
	RecordWorkflowRun(ctx context.Context, state string, duration time.Duration)

	// RecordRequest records a request/response round trip outcome
	// ("fulfilled", "timeout", "no_listener").
	RecordRequest(ctx context.Context, outcome string, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes      metric.Int64Counter
	publishLatency metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	actions        metric.Int64Counter
	workflowRuns   metric.Int64Counter
	runLatency     metric.Float64Histogram
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("modsystem")

	publishes, err := meter.Int64Counter("modsystem.bus.publishes",
		metric.WithDescription("Number of events published on the bus"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("modsystem.bus.publish_latency_ms",
		metric.WithDescription("Delivery latency of a publish in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("modsystem.bus.handler_errors",
		metric.WithDescription("Number of handler failures during delivery"),
	)
	if err != nil {
		return nil, err
	}

	actions, err := meter.Int64Counter("modsystem.actions.scheduled",
		metric.WithDescription("Number of delayed-action scheduling attempts"),
	)
	if err != nil {
		return nil, err
	}

	workflowRuns, err := meter.Int64Counter("modsystem.workflow.runs",
		metric.WithDescription("Number of workflow runs reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("modsystem.workflow.run_latency_ms",
		metric.WithDescription("Workflow run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	requests, err := meter.Int64Counter("modsystem.request.outcomes",
		metric.WithDescription("Number of request/response round trips"),
	)
	if err != nil {
		return nil, err
	}

	requestLatency, err := meter.Float64Histogram("modsystem.request.latency_ms",
		metric.WithDescription("Request/response round trip latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:      publishes,
		publishLatency: publishLatency,
		handlerErrors:  handlerErrors,
		actions:        actions,
		workflowRuns:   workflowRuns,
		runLatency:     runLatency,
		requests:       requests,
		requestLatency: requestLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a bus publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, handlers int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.Int("handlers", handlers),
	}
	m.publishes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.publishLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordHandlerError records a handler failure.
func (m *otelMetrics) RecordHandlerError(ctx context.Context, eventType string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordActionScheduled records a scheduling attempt.
func (m *otelMetrics) RecordActionScheduled(ctx context.Context, accepted bool) {
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("accepted", accepted),
	))
}

// RecordWorkflowRun records a terminal workflow run.
func (m *otelMetrics) RecordWorkflowRun(ctx context.Context, state string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("state", state),
	}
	m.workflowRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordRequest records a request/response outcome.
func (m *otelMetrics) RecordRequest(ctx context.Context, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}
