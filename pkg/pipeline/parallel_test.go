package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/streamline/internal/testutil"
)

// jitter sleeps longer for earlier items so completion order is roughly the
// reverse of arrival order.
func jitter(n int) ItemFunc {
	return Map(func(ctx context.Context, v int, _ *RunContext) (int, error) {
		select {
		case <-time.After(time.Duration(n-v) * 200 * time.Microsecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return v * 2, nil
	})
}

func TestParallelPreserveOrdering(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	const n = 40
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(n))},
			{
				ID:       "work",
				Process:  jitter(n),
				Strategy: Parallel{MaxConcurrency: 8, QueueCapacity: 4, PreserveOrdering: true},
			},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)

	want := make([]int, n)
	for i := range want {
		want[i] = i * 2
	}
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), want)
	testutil.AssertEqual(t, res.Stages["work"].Strategy, "parallel")
}

func TestParallelUnorderedIsPermutation(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	const n = 40
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(n))},
			{ID: "work", Process: jitter(n), Strategy: Parallel{MaxConcurrency: 8, QueueCapacity: 4}},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)

	got := intsOf(t, res.Output)
	sort.Ints(got)
	want := make([]int, n)
	for i := range want {
		want[i] = i * 2
	}
	testutil.AssertSliceEqual(t, got, want)
}

func TestParallelRunsConcurrently(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	var active, peak atomic.Int32
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(16))},
			{
				ID: "work",
				Process: func(ctx context.Context, v interface{}, _ *RunContext) (interface{}, error) {
					cur := active.Add(1)
					defer active.Add(-1)
					for {
						old := peak.Load()
						if cur <= old || peak.CompareAndSwap(old, cur) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					return v, nil
				},
				Strategy: Parallel{MaxConcurrency: 4, QueueCapacity: 16},
			},
		},
	}

	_, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	if p := peak.Load(); p < 2 || p > 4 {
		t.Fatalf("peak concurrency %d, want between 2 and 4", p)
	}
}

// The worker is held on item 1 while the source emits 2 and 3 into a
// one-slot queue, so 3 evicts 2.
func TestParallelDropOldest(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	working := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	next := 0
	src := Generate(func(ctx context.Context, _ *RunContext) (int, bool, error) {
		next++
		switch next {
		case 1:
			return 1, true, nil
		case 2:
			select {
			case <-working:
			case <-ctx.Done():
				return 0, false, ctx.Err()
			}
			return 2, true, nil
		case 3:
			return 3, true, nil
		default:
			close(release)
			return 0, false, nil
		}
	})

	work := Map(func(ctx context.Context, v int, _ *RunContext) (int, error) {
		if v == 1 {
			once.Do(func() { close(working) })
			select {
			case <-release:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return v, nil
	})

	rec := &recorder{}
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: src},
			{
				ID:       "work",
				Process:  work,
				Strategy: Parallel{MaxConcurrency: 1, QueueCapacity: 1, OverflowPolicy: DropOldest, PreserveOrdering: true},
			},
		},
	}

	res, err := newTestRunner(t, Config{Listeners: []Listener{rec}}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{1, 3})
	testutil.AssertEqual(t, res.Stages["work"].Dropped, int64(1))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	testutil.AssertEqual(t, len(rec.drops), 1)
	testutil.AssertEqual(t, rec.drops[0].Item, interface{}(2))
	testutil.AssertEqual(t, rec.drops[0].Policy, DropOldest)
	testutil.AssertEqual(t, rec.drops[0].Total, int64(1))
}

func TestParallelDropNewest(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	working := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	next := 0
	src := Generate(func(ctx context.Context, _ *RunContext) (int, bool, error) {
		next++
		switch {
		case next == 2:
			<-working
			return 2, true, nil
		case next <= 4:
			return next, true, nil
		default:
			close(release)
			return 0, false, nil
		}
	})

	work := Map(func(_ context.Context, v int, _ *RunContext) (int, error) {
		if v == 1 {
			once.Do(func() { close(working) })
			<-release
		}
		return v, nil
	})

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: src},
			{
				ID:       "work",
				Process:  work,
				Strategy: Parallel{MaxConcurrency: 1, QueueCapacity: 1, OverflowPolicy: DropNewest, PreserveOrdering: true},
			},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), []int{1, 2})
	testutil.AssertEqual(t, res.Stages["work"].Dropped, int64(2))
}

func TestParallelItemFailureIsFatalWithoutResilience(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	boom := errors.New("boom")
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(20))},
			{
				ID: "work",
				Process: Map(func(_ context.Context, v int, _ *RunContext) (int, error) {
					if v == 7 {
						return 0, boom
					}
					return v, nil
				}),
				Strategy: Parallel{MaxConcurrency: 4, QueueCapacity: 4, PreserveOrdering: true},
			},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, boom)
	testutil.AssertEqual(t, res.Status, RunFailed)
	testutil.AssertSliceEqual(t, intsOf(t, res.Output), seqInts(7))
}

func TestParallelCancellation(t *testing.T) {
	parent, cancelParent := testutil.WithTimeout(t)
	defer cancelParent()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: infiniteSource()},
			{
				ID: "work",
				Process: Map(func(ctx context.Context, v int, _ *RunContext) (int, error) {
					if v == 50 {
						cancel()
					}
					return v, nil
				}),
				Strategy: Parallel{MaxConcurrency: 4, QueueCapacity: 8},
			},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertErrorIs(t, err, ErrRunCanceled)
	testutil.AssertEqual(t, res.Status, RunCanceled)
	testutil.AssertEqual(t, res.Stages["work"].Status, StageCanceled)
}

func TestParallelSinkStage(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	var sum atomic.Int64
	g := &Graph{
		Stages: []Stage{
			{ID: "src", Source: FromSlice(seqInts(100))},
			{
				ID: "sum",
				Sink: Consume(func(_ context.Context, v int, _ *RunContext) error {
					sum.Add(int64(v))
					return nil
				}),
				Strategy: Parallel{MaxConcurrency: 4, QueueCapacity: 8},
			},
		},
	}

	res, err := newTestRunner(t, Config{}).Run(ctx, g)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, sum.Load(), int64(4950))
	testutil.AssertEqual(t, res.Stages["sum"].ItemsOut, int64(100))
	testutil.AssertEqual(t, len(res.Output), 0)
}
