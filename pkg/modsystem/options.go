package modsystem

import (
	"log/slog"

	"github.com/goneyears/modsystem/pkg/modsystem/config"
	"github.com/goneyears/modsystem/pkg/modsystem/history"
	"github.com/goneyears/modsystem/pkg/modsystem/observability"
)

// options holds configuration for New.
type options struct {
	cfg        config.File
	configPath string
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	hist       history.Store
}

func defaultOptions() options {
	return options{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// Option configures a System.
type Option func(*options)

// WithConfig supplies a parsed configuration document. Ignored when
// WithConfigFile is also given.
func WithConfig(cfg config.File) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads routes, workflows, and settings from a YAML or
// JSON file at construction.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets the structured logger shared by every component. A nil
// logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics recorder shared by every component.
// Use observability.NewMetricsRecorder for OpenTelemetry metrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans sets the span manager used for publish and run tracing.
// Use observability.NewSpanManager for OpenTelemetry spans.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithHistory supplies a run history store. The caller retains ownership;
// Close does not close a store passed this way. Overrides the
// history_path setting.
func WithHistory(store history.Store) Option {
	return func(o *options) { o.hist = store }
}
