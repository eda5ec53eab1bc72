package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}

	// Must be safe to call everything with zero setup.
	m.RecordPublish(context.Background(), "a", 1, time.Millisecond)
	m.RecordHandlerError(context.Background(), "a")
	m.RecordActionScheduled(context.Background(), false)
	m.RecordWorkflowRun(context.Background(), "completed", time.Second)
	m.RecordRequest(context.Background(), "timeout", time.Second)
}

func TestNoopSpanManager(t *testing.T) {
	var s SpanManager = NoopSpanManager{}

	ctx := context.Background()
	gotCtx, span := s.StartPublishSpan(ctx, "a", "id")
	if gotCtx != ctx {
		t.Error("noop span manager must return the context unchanged")
	}

	s.EndSpanWithError(span, errors.New("x"))
	s.AddSpanEvent(ctx, "event")

	_, span = s.StartRunSpan(ctx, "w", "run")
	s.EndSpanWithError(span, nil)
}
