// Package tracing records pipeline stage executions as OpenTelemetry spans.
//
// Each stage execution becomes one span, started at the stage's first pull
// and ended when it reaches a final status. Retries, restarts, queue drops,
// dead letters and breaker transitions are added as span events. Exporter
// and sampler choice stay with the application's TracerProvider.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnykmshr/streamline/pkg/pipeline"
)

// TracerName is the instrumentation name used for the tracer.
const TracerName = "github.com/vnykmshr/streamline/pkg/tracing"

// Attribute keys set on every stage span.
const (
	AttrRunID    = attribute.Key("streamline.run_id")
	AttrPipeline = attribute.Key("streamline.pipeline")
	AttrStage    = attribute.Key("streamline.stage")
	AttrStrategy = attribute.Key("streamline.strategy")
	AttrStatus   = attribute.Key("streamline.status")
	AttrItemsOut = attribute.Key("streamline.items_out")
)

type spanKey struct {
	runID string
	stage string
}

// Listener turns lifecycle events into spans. It implements
// pipeline.Listener and pipeline.RunListener.
type Listener struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[spanKey]trace.Span
}

var (
	_ pipeline.Listener    = (*Listener)(nil)
	_ pipeline.RunListener = (*Listener)(nil)
)

// NewListener creates a listener using tp. A nil tp uses the global
// provider.
func NewListener(tp trace.TracerProvider) *Listener {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Listener{
		tracer: tp.Tracer(TracerName),
		spans:  make(map[spanKey]trace.Span),
	}
}

func keyOf(m pipeline.EventMeta) spanKey {
	return spanKey{runID: m.RunID, stage: m.StageID}
}

func (l *Listener) span(m pipeline.EventMeta) (trace.Span, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.spans[keyOf(m)]
	return s, ok
}

// OnStageStart starts the stage span.
func (l *Listener) OnStageStart(e pipeline.StageStarted) {
	_, span := l.tracer.Start(context.Background(), "stage "+e.StageID,
		trace.WithTimestamp(e.Time),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrRunID.String(e.RunID),
			AttrPipeline.String(e.Pipeline),
			AttrStage.String(e.StageID),
			AttrStrategy.String(e.Strategy),
		),
	)

	l.mu.Lock()
	l.spans[keyOf(e.EventMeta)] = span
	l.mu.Unlock()
}

// OnStageEnd ends the stage span with the final status.
func (l *Listener) OnStageEnd(e pipeline.StageEnded) {
	l.mu.Lock()
	span, ok := l.spans[keyOf(e.EventMeta)]
	delete(l.spans, keyOf(e.EventMeta))
	l.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		AttrStatus.String(e.Status.String()),
		AttrItemsOut.Int64(e.ItemsOut),
	)
	switch e.Status {
	case pipeline.StageFailed:
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.SetStatus(codes.Error, "stage failed")
	case pipeline.StageSucceeded, pipeline.StageBypassed:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// OnRunEnd ends spans of the run whose StageEnded was dropped, marking
// them unfinished.
func (l *Listener) OnRunEnd(e pipeline.RunEnded) {
	l.mu.Lock()
	var open []trace.Span
	for k, span := range l.spans {
		if k.runID == e.RunID {
			open = append(open, span)
			delete(l.spans, k)
		}
	}
	l.mu.Unlock()

	for _, span := range open {
		span.SetAttributes(AttrStatus.String("unfinished"))
		span.SetStatus(codes.Error, "stage end not observed")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// OnItemRetry adds an "item.retry" event.
func (l *Listener) OnItemRetry(e pipeline.ItemRetried) {
	l.event(e.EventMeta, "item.retry",
		attribute.Int("retry", e.Retry),
		attribute.String("reason", errString(e.Reason)),
	)
}

// OnQueueDrop adds a "queue.drop" event.
func (l *Listener) OnQueueDrop(e pipeline.QueueDropped) {
	l.event(e.EventMeta, "queue.drop",
		attribute.String("policy", e.Policy.String()),
		attribute.Int64("total", e.Total),
	)
}

// OnStageRestart adds a "stage.restart" event.
func (l *Listener) OnStageRestart(e pipeline.StageRestarted) {
	l.event(e.EventMeta, "stage.restart",
		attribute.Int("attempt", e.Attempt),
		attribute.Int("replayed", e.Replayed),
		attribute.String("reason", errString(e.Reason)),
	)
}

// OnDeadLetter adds an "item.dead_letter" event.
func (l *Listener) OnDeadLetter(e pipeline.DeadLettered) {
	l.event(e.EventMeta, "item.dead_letter",
		attribute.Int("attempts", e.Record.Attempts),
		attribute.String("reason", errString(e.Record.Err)),
	)
}

// OnBreakerStateChange adds a "breaker.transition" event.
func (l *Listener) OnBreakerStateChange(e pipeline.BreakerStateChanged) {
	l.event(e.EventMeta, "breaker.transition",
		attribute.String("from", e.From.String()),
		attribute.String("to", e.To.String()),
	)
}

func (l *Listener) event(m pipeline.EventMeta, name string, attrs ...attribute.KeyValue) {
	span, ok := l.span(m)
	if !ok {
		return
	}
	span.AddEvent(name, trace.WithTimestamp(m.Time), trace.WithAttributes(attrs...))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
