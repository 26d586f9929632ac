package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/streamline/internal/testutil"
	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

func TestSequentialPreservesOrder(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{
		Name: "double",
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(50))},
			{ID: "double", Process: Map(double)},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.Status, RunSucceeded)

	want := make([]int, 50)
	for i := range want {
		want[i] = i * 2
	}
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), want)
	testutil.AssertEqual(t, res.Stages["src"].Status, StageSucceeded)
	testutil.AssertEqual(t, res.Stages["double"].Status, StageSucceeded)
	testutil.AssertEqual(t, res.Stages["double"].ItemsOut, int64(50))
	testutil.AssertEqual(t, res.Stages["double"].Strategy, "sequential")
	if res.RunID == "" {
		t.Fatal("expected a run id")
	}
}

func TestSequentialOutputExcludesSkippedAndDeadLettered(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	errOdd := errors.New("odd")
	sink := deadletter.NewMemorySink()
	handler := ItemErrorHandlerFunc(func(_ context.Context, f ItemFailureContext) (ItemDecision, error) {
		if f.Item.(int)%3 == 0 {
			return ItemDeadLetter, nil
		}
		return ItemSkip, nil
	})

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(10))},
			{
				ID: "even",
				Process: Map(func(_ context.Context, v int, _ *RunContext) (int, error) {
					if v%2 == 1 {
						return 0, errOdd
					}
					return v, nil
				}),
				Strategy: Resilient{ItemHandler: handler},
			},
		},
	}

	res, err := newTestRunner(t, Config{DeadLetters: sink}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{0, 2, 4, 6, 8})

	report := res.Stages["even"]
	testutil.AssertEqual(t, report.Skipped, int64(3))      // 1, 5, 7
	testutil.AssertEqual(t, report.DeadLettered, int64(2)) // 3, 9
	testutil.AssertEqual(t, int64(len(res.Output))+report.Skipped+report.DeadLettered, int64(10))
	testutil.AssertEqual(t, sink.Len(), 2)
	testutil.AssertEqual(t, sink.Records()[0].Item, interface{}(3))
	testutil.AssertEqual(t, report.Strategy, "resilient(sequential)")
}

func TestItemFailureWithoutResilienceIsFatal(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	boom := errors.New("boom")
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1, 2, 3})},
			{ID: "fail", Process: Map(func(_ context.Context, v int, _ *RunContext) (int, error) {
				if v == 2 {
					return 0, boom
				}
				return v, nil
			})},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, boom)

	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("got %T, want *PipelineError", err)
	}
	testutil.AssertEqual(t, pe.StageID, "fail")
	testutil.AssertEqual(t, pe.Item, interface{}(2))
	testutil.AssertEqual(t, res.Status, RunFailed)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{1})
	testutil.AssertEqual(t, res.Stages["fail"].Status, StageFailed)
	testutil.AssertEqual(t, res.Stages["src"].Status, StageStopped)
}

func TestStagePanicIsRecovered(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1})},
			{ID: "panic", Process: func(context.Context, interface{}, *RunContext) (interface{}, error) {
				panic("kaboom")
			}},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, ErrStagePanicked)
	testutil.AssertEqual(t, res.Status, RunFailed)
}

func TestSourcePanicIsRecovered(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{Stages: []Stage{{
		ID: "src",
		Source: func(context.Context, *RunContext) (sequence.Sequence[any], error) {
			panic("no source")
		},
	}}}

	_, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, ErrStagePanicked)
}

func TestTypedAdapterMismatch(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]string{"a"})},
			{ID: "double", Process: Map(double)},
		},
	}

	_, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, ErrItemType)
}

func TestSinkStage(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	var sum atomic.Int64
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1, 2, 3, 4})},
			{ID: "sum", Sink: Consume(func(_ context.Context, v int, _ *RunContext) error {
				sum.Add(int64(v))
				return nil
			})},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(res.Output), 0)
	testutil.AssertEqual(t, sum.Load(), int64(10))
	testutil.AssertEqual(t, res.Stages["sum"].ItemsOut, int64(4))
}

func TestRunWithInput(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{Stages: []Stage{{ID: "double", Process: Map(double)}}}
	input := sequence.FromSlice([]interface{}{1, 2, 3})

	res, err := newTestRunner(t, Config{}).RunWithInput(ctx, g, input)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{2, 4, 6})
}

func TestTransformStage(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	// Emits running totals.
	totals := func(_ context.Context, in sequence.Sequence[any], _ *RunContext) (sequence.Sequence[any], error) {
		total := 0
		return &sequence.Func[any]{
			NextFunc: func(ctx context.Context) (interface{}, bool, error) {
				v, ok, err := in.Next(ctx)
				if err != nil || !ok {
					return nil, false, err
				}
				total += v.(int)
				return total, true, nil
			},
			CloseFunc: in.Close,
		}, nil
	}

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1, 2, 3, 4})},
			{ID: "totals", Transform: totals},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{1, 3, 6, 10})
}

func TestRunContextValues(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{
		Name: "values",
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1})},
			{ID: "scale", Process: Map(func(_ context.Context, v int, rc *RunContext) (int, error) {
				f, ok := rc.Value("factor")
				if !ok {
					return 0, errors.New("factor missing")
				}
				if rc.Pipeline != "values" || rc.RunID == "" {
					return 0, fmt.Errorf("unexpected run context %+v", rc)
				}
				return v * f.(int), nil
			})},
		},
	}

	res, err := newTestRunner(t, Config{Values: map[string]interface{}{"factor": 7}}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{7})
}

func TestValidation(t *testing.T) {
	identity := func(_ context.Context, v interface{}, _ *RunContext) (interface{}, error) { return v, nil }
	sink := func(context.Context, interface{}, *RunContext) error { return nil }
	transform := func(_ context.Context, in sequence.Sequence[any], _ *RunContext) (sequence.Sequence[any], error) {
		return in, nil
	}
	src := FromSlice([]int{1})

	tests := []struct {
		name  string
		graph *Graph
	}{
		{"nil graph", nil},
		{"no stages", &Graph{}},
		{"empty id", &Graph{Stages: []Stage{{Source: src}}}},
		{"duplicate id", &Graph{Stages: []Stage{{ID: "a", Source: src}, {ID: "a", Process: identity}}}},
		{"no function", &Graph{Stages: []Stage{{ID: "a"}}}},
		{"two functions", &Graph{Stages: []Stage{{ID: "a", Source: src, Process: identity}}}},
		{"source not first", &Graph{Stages: []Stage{{ID: "a", Source: src}, {ID: "b", Source: src}}}},
		{"sink not last", &Graph{Stages: []Stage{{ID: "a", Source: src}, {ID: "b", Sink: sink}, {ID: "c", Process: identity}}}},
		{"parallel transform", &Graph{Stages: []Stage{
			{ID: "a", Source: src},
			{ID: "b", Transform: transform, Strategy: Parallel{MaxConcurrency: 1, QueueCapacity: 1}},
		}}},
		{"parallel without workers", &Graph{Stages: []Stage{
			{ID: "a", Source: src},
			{ID: "b", Process: identity, Strategy: Parallel{QueueCapacity: 1}},
		}}},
		{"parallel without queue", &Graph{Stages: []Stage{
			{ID: "a", Source: src},
			{ID: "b", Process: identity, Strategy: Parallel{MaxConcurrency: 1}},
		}}},
		{"nested resilient", &Graph{Stages: []Stage{
			{ID: "a", Source: src},
			{ID: "b", Process: identity, Strategy: Resilient{Inner: Resilient{}}},
		}}},
		{"restarts with unbounded materialization", &Graph{Stages: []Stage{
			{ID: "a", Source: src, Retry: &RetryOptions{MaxStageRestartAttempts: 1}},
		}}},
		{"negative graph retries", &Graph{
			Stages: []Stage{{ID: "a", Source: src}},
			Retry:  &RetryOptions{MaxItemRetries: -1},
		}},
		{"run without source", &Graph{Stages: []Stage{{ID: "a", Process: identity}}}},
	}

	r := newTestRunner(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.graph)
			testutil.AssertErrorIs(t, err, sferrors.ErrInvalidConfiguration)
			if res != nil {
				t.Fatalf("expected no result, got %+v", res)
			}
		})
	}
}

func TestRunWithInputRejectsSource(t *testing.T) {
	g := &Graph{Stages: []Stage{{ID: "a", Source: FromSlice([]int{1})}}}
	_, err := newTestRunner(t, Config{}).RunWithInput(context.Background(), g, sequence.Empty[any]())
	testutil.AssertErrorIs(t, err, sferrors.ErrInvalidConfiguration)
}

func TestNewRunnerRejectsInvalidRetry(t *testing.T) {
	_, err := NewRunner(Config{Retry: &RetryOptions{MaxStageRestartAttempts: 2}})
	testutil.AssertErrorIs(t, err, sferrors.ErrInvalidConfiguration)

	_, err = NewRunner(Config{NotifyBuffer: -1})
	testutil.AssertErrorIs(t, err, sferrors.ErrInvalidConfiguration)
}

func TestRetryPrecedence(t *testing.T) {
	runner := RetryOptions{MaxItemRetries: 1}
	graph := &RetryOptions{MaxItemRetries: 2}
	stage := &RetryOptions{MaxItemRetries: 3}

	testutil.AssertEqual(t, resolveRetry(stage, graph, runner).MaxItemRetries, 3)
	testutil.AssertEqual(t, resolveRetry(nil, graph, runner).MaxItemRetries, 2)
	testutil.AssertEqual(t, resolveRetry(nil, nil, runner).MaxItemRetries, 1)
}

func infiniteSource() SourceFunc {
	i := 0
	return Generate(func(ctx context.Context, _ *RunContext) (int, bool, error) {
		i++
		return i, true, nil
	})
}

func TestCancellation(t *testing.T) {
	parent, cancelParent := testutil.WithTimeout(t)
	defer cancelParent()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var handled atomic.Int32
	sink := deadletter.NewMemorySink()
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: infiniteSource()},
			{
				ID: "work",
				Process: Map(func(ctx context.Context, v int, _ *RunContext) (int, error) {
					if v == 5 {
						cancel()
						return 0, ctx.Err()
					}
					return v, nil
				}),
				Strategy: Resilient{
					ItemHandler: ItemErrorHandlerFunc(func(context.Context, ItemFailureContext) (ItemDecision, error) {
						handled.Add(1)
						return ItemDeadLetter, nil
					}),
				},
			},
		},
	}

	rec := &recorder{}
	res, err := newTestRunner(t, Config{DeadLetters: sink, Listeners: []Listener{rec}}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, ErrRunCanceled)
	testutil.AssertErrorIs(t, err, context.Canceled)
	testutil.AssertEqual(t, res.Status, RunCanceled)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{1, 2, 3, 4})
	testutil.AssertEqual(t, handled.Load(), int32(0))
	testutil.AssertEqual(t, sink.Len(), 0)
	testutil.AssertEqual(t, res.Stages["work"].Status, StageCanceled)
	testutil.AssertEqual(t, res.Stages["src"].Status, StageCanceled)

	status, ok := rec.endStatus("work")
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, status, StageCanceled)
}

func TestTimeoutCancelsRun(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1})},
			{ID: "wait", Process: func(ctx context.Context, v interface{}, _ *RunContext) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		},
	}

	res, err := newTestRunner(t, Config{Timeout: 20 * time.Millisecond}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, ErrRunCanceled)
	testutil.AssertErrorIs(t, err, context.DeadlineExceeded)
	testutil.AssertEqual(t, res.Status, RunCanceled)
}

func TestListenerEvents(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	rec := &recorder{}
	g := &Graph{
		Name: "events",
		Stages: []Stage{
			{ID: "src", Source: FromSlice([]int{1, 2, 3})},
			{ID: "double", Process: Map(double)},
		},
	}

	res, err := newTestRunner(t, Config{Listeners: []Listener{rec}}).Run(ctx, g)
	testutil.AssertNoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	testutil.AssertEqual(t, len(rec.started), 2)
	testutil.AssertEqual(t, len(rec.ended), 2)
	// The last stage is pulled first.
	testutil.AssertEqual(t, rec.started[0].StageID, "double")
	testutil.AssertEqual(t, rec.started[1].StageID, "src")
	for _, e := range rec.ended {
		testutil.AssertEqual(t, e.Status, StageSucceeded)
		testutil.AssertEqual(t, e.RunID, res.RunID)
		testutil.AssertEqual(t, e.Pipeline, "events")
	}
}

type panickingListener struct{ NopListener }

func (panickingListener) OnStageStart(StageStarted) { panic("listener bug") }

func TestListenerPanicDoesNotAffectRun(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	rec := &recorder{}
	g := &Graph{Stages: []Stage{{ID: "src", Source: FromSlice([]int{1, 2})}}}

	res, err := newTestRunner(t, Config{Listeners: []Listener{panickingListener{}, rec}}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(res.Output), 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	testutil.AssertEqual(t, len(rec.started), 1)
}

func TestBlockedListenerDoesNotHoldRun(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	gate := gateListener{release: make(chan struct{})}
	defer close(gate.release)

	r := newTestRunner(t, Config{
		Listeners:          []Listener{gate},
		NotifyFlushTimeout: 20 * time.Millisecond,
	})
	g := &Graph{Stages: []Stage{{ID: "src", Source: FromSlice([]int{1, 2, 3})}}}

	select {
	case res := <-r.RunAsync(ctx, g):
		testutil.AssertNoError(t, res.Err)
		testutil.AssertEqual(t, res.Status, RunSucceeded)
		testutil.AssertEqual(t, len(res.Output), 3)
		if res.NotificationsDropped < 1 {
			t.Fatalf("dropped %d notifications, want the queued StageEnded counted", res.NotificationsDropped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return while a listener was blocked")
	}
}

func TestNotifyQueueOverflow(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	gate := gateListener{release: make(chan struct{})}
	rec := &recorder{}
	r := newTestRunner(t, Config{
		Listeners:          []Listener{gate, rec},
		NotifyBuffer:       1,
		NotifyFlushTimeout: 20 * time.Millisecond,
	})
	g := &Graph{
		Name: "overflow",
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(10))},
			{ID: "a", Process: Map(double)},
			{ID: "b", Process: Map(double)},
		},
	}

	res, err := r.Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(res.Output), 10)
	// Six events: one is held by the blocked listener, the rest are lost.
	testutil.AssertEqual(t, res.NotificationsDropped, int64(5))

	close(gate.release)
	testutil.Eventually(t, func() bool { return rec.runEndCount() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	testutil.AssertEqual(t, len(rec.started), 1)
	testutil.AssertEqual(t, len(rec.ended), 0)
	end := rec.runEnds[0]
	testutil.AssertEqual(t, end.RunID, res.RunID)
	testutil.AssertEqual(t, end.Pipeline, "overflow")
	testutil.AssertEqual(t, end.Status, RunSucceeded)
	testutil.AssertEqual(t, end.Dropped, int64(5))
}

func TestRunAsyncAndStats(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	r := newTestRunner(t, Config{})
	ok := &Graph{Stages: []Stage{{ID: "src", Source: FromSlice([]int{1})}}}
	bad := &Graph{Stages: []Stage{
		{ID: "src", Source: FromSlice([]int{1})},
		{ID: "fail", Process: func(context.Context, interface{}, *RunContext) (interface{}, error) {
			return nil, errors.New("nope")
		}},
	}}

	res := <-r.RunAsync(ctx, ok)
	testutil.AssertNoError(t, res.Err)
	testutil.AssertEqual(t, res.Status, RunSucceeded)

	res = <-r.RunAsync(ctx, bad)
	testutil.AssertError(t, res.Err)

	res = <-r.RunAsync(ctx, &Graph{})
	testutil.AssertErrorIs(t, res.Err, sferrors.ErrInvalidConfiguration)

	stats := r.Stats()
	testutil.AssertEqual(t, stats.TotalRuns, int64(2))
	testutil.AssertEqual(t, stats.Succeeded, int64(1))
	testutil.AssertEqual(t, stats.Failed, int64(1))
}
