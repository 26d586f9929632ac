package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vnykmshr/streamline/internal/testutil"
	"github.com/vnykmshr/streamline/pkg/pipeline"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
)

func newProvider() (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)), exporter
}

func attr(s tracetest.SpanStub, key string) (string, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestSpansPerStage(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	tp, exporter := newProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	runner, err := pipeline.NewRunner(pipeline.Config{
		Listeners:   []pipeline.Listener{NewListener(tp)},
		DeadLetters: deadletter.NewMemorySink(),
	})
	testutil.AssertNoError(t, err)

	g := &pipeline.Graph{
		Name: "traced",
		Stages: []pipeline.Stage{
			{ID: "src", Source: pipeline.FromSlice([]int{1, 2})},
			{
				ID: "work",
				Process: func(_ context.Context, v interface{}, _ *pipeline.RunContext) (interface{}, error) {
					if v.(int) == 2 {
						return nil, errors.New("bad item")
					}
					return v, nil
				},
				Strategy: pipeline.Resilient{ItemHandler: pipeline.AlwaysItem(pipeline.ItemRetry)},
				Retry:    &pipeline.RetryOptions{MaxItemRetries: 1},
			},
		},
	}

	res, err := runner.Run(ctx, g)
	testutil.AssertNoError(t, err)

	spans := exporter.GetSpans()
	testutil.AssertEqual(t, len(spans), 2)

	var work tracetest.SpanStub
	for _, s := range spans {
		runID, _ := attr(s, string(AttrRunID))
		testutil.AssertEqual(t, runID, res.RunID)
		if s.Name == "stage work" {
			work = s
		}
	}
	testutil.AssertEqual(t, work.Name, "stage work")

	status, _ := attr(work, string(AttrStatus))
	testutil.AssertEqual(t, status, "succeeded")
	testutil.AssertEqual(t, work.Status.Code, codes.Ok)

	var names []string
	for _, e := range work.Events {
		names = append(names, e.Name)
	}
	testutil.AssertSliceEqual(t, names, []string{"item.retry", "item.dead_letter"})
}

func TestFailedStageSpan(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	tp, exporter := newProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	runner, err := pipeline.NewRunner(pipeline.Config{Listeners: []pipeline.Listener{NewListener(tp)}})
	testutil.AssertNoError(t, err)

	g := &pipeline.Graph{
		Stages: []pipeline.Stage{
			{ID: "src", Source: pipeline.FromSlice([]int{1})},
			{ID: "fail", Process: func(context.Context, interface{}, *pipeline.RunContext) (interface{}, error) {
				return nil, errors.New("boom")
			}},
		},
	}

	_, err = runner.Run(ctx, g)
	testutil.AssertError(t, err)

	for _, s := range exporter.GetSpans() {
		if s.Name != "stage fail" {
			continue
		}
		testutil.AssertEqual(t, s.Status.Code, codes.Error)
		return
	}
	t.Fatal("no span for the failed stage")
}

func TestEventsWithoutSpanAreIgnored(t *testing.T) {
	tp, exporter := newProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	l := NewListener(tp)
	meta := pipeline.EventMeta{RunID: "r", StageID: "s"}
	l.OnItemRetry(pipeline.ItemRetried{EventMeta: meta})
	l.OnStageEnd(pipeline.StageEnded{EventMeta: meta})

	testutil.AssertEqual(t, len(exporter.GetSpans()), 0)
}

func TestRunEndEndsOrphanedSpans(t *testing.T) {
	tp, exporter := newProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	l := NewListener(tp)
	meta := func(run, stage string) pipeline.EventMeta {
		return pipeline.EventMeta{RunID: run, Pipeline: "p", StageID: stage, Time: time.Now()}
	}
	l.OnStageStart(pipeline.StageStarted{EventMeta: meta("r1", "a")})
	l.OnStageStart(pipeline.StageStarted{EventMeta: meta("r1", "b")})
	l.OnStageStart(pipeline.StageStarted{EventMeta: meta("r2", "a")})
	l.OnStageEnd(pipeline.StageEnded{EventMeta: meta("r1", "a"), Status: pipeline.StageSucceeded})

	l.OnRunEnd(pipeline.RunEnded{RunID: "r1", Pipeline: "p", Status: pipeline.RunSucceeded, Time: time.Now()})

	spans := exporter.GetSpans()
	testutil.AssertEqual(t, len(spans), 2)
	orphan := spans[1]
	testutil.AssertEqual(t, orphan.Name, "stage b")
	testutil.AssertEqual(t, orphan.Status.Code, codes.Error)
	status, _ := attr(orphan, string(AttrStatus))
	testutil.AssertEqual(t, status, "unfinished")

	l.mu.Lock()
	defer l.mu.Unlock()
	testutil.AssertEqual(t, len(l.spans), 1)
	_, ok := l.spans[spanKey{runID: "r2", stage: "a"}]
	testutil.AssertEqual(t, ok, true)
}
