package workerpool

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/streamline/internal/testutil"
	"github.com/vnykmshr/streamline/pkg/streaming/channel"
)

func newQueue(size int) channel.BackpressureChannel[Job[int]] {
	return channel.New[Job[int]](size)
}

func double(_ context.Context, job Job[int]) (int, error) {
	return job.Value * 2, nil
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		queue   channel.BackpressureChannel[Job[int]]
		handler Handler[int, int]
	}{
		{"zero workers", Config{WorkerCount: 0}, newQueue(1), double},
		{"negative workers", Config{WorkerCount: -1}, newQueue(1), double},
		{"nil queue", Config{WorkerCount: 1}, nil, double},
		{"nil handler", Config{WorkerCount: 1}, newQueue(1), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, tt.queue, tt.handler)
			testutil.AssertError(t, err)
		})
	}
}

func TestPoolProcessesAllJobs(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	queue := newQueue(4)
	pool, err := New(Config{WorkerCount: 3}, queue, double)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, pool.Size(), 3)
	pool.Start(ctx)

	go func() {
		for i := 0; i < 20; i++ {
			_ = queue.Send(ctx, Job[int]{Seq: int64(i), Value: i})
		}
		_ = queue.Close()
	}()

	var seqs []int
	for r := range pool.Results() {
		testutil.AssertNoError(t, r.Err)
		testutil.AssertEqual(t, r.Value, r.Job.Value*2)
		seqs = append(seqs, int(r.Job.Seq))
	}

	sort.Ints(seqs)
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	testutil.AssertSliceEqual(t, seqs, want)
	testutil.AssertEqual(t, pool.TotalCompleted(), int64(20))
	testutil.AssertEqual(t, pool.ActiveWorkers(), 0)
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	boom := errors.New("boom")
	var panics atomic.Int32

	queue := newQueue(3)
	pool, err := New(Config{
		WorkerCount:  1,
		PanicHandler: func(int64, interface{}) { panics.Add(1) },
	}, queue, func(_ context.Context, job Job[int]) (int, error) {
		switch job.Value {
		case 1:
			return 0, boom
		case 2:
			panic("bad item")
		}
		return job.Value, nil
	})
	testutil.AssertNoError(t, err)

	for i := 0; i < 3; i++ {
		testutil.AssertNoError(t, queue.Send(ctx, Job[int]{Seq: int64(i), Value: i}))
	}
	testutil.AssertNoError(t, queue.Close())
	pool.Start(ctx)

	results := map[int64]Result[int, int]{}
	for r := range pool.Results() {
		results[r.Job.Seq] = r
	}

	testutil.AssertEqual(t, len(results), 3)
	testutil.AssertNoError(t, results[0].Err)
	testutil.AssertErrorIs(t, results[1].Err, boom)
	testutil.AssertErrorIs(t, results[2].Err, ErrJobPanicked)
	testutil.AssertEqual(t, panics.Load(), int32(1))
}

func TestPoolStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	queue := newQueue(1)
	pool, err := New(Config{WorkerCount: 2}, queue, double)
	testutil.AssertNoError(t, err)
	pool.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		for range pool.Results() {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testutil.TestTimeout):
		t.Fatal("workers did not stop after cancellation")
	}
	_ = queue.Close()
}

func TestTaskTimeout(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	queue := newQueue(1)
	pool, err := New(Config{WorkerCount: 1, TaskTimeout: 10 * time.Millisecond}, queue,
		func(ctx context.Context, _ Job[int]) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, queue.Send(ctx, Job[int]{Value: 1}))
	testutil.AssertNoError(t, queue.Close())
	pool.Start(ctx)

	r := <-pool.Results()
	testutil.AssertErrorIs(t, r.Err, context.DeadlineExceeded)
	pool.Wait()
}
