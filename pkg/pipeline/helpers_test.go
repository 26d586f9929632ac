package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/vnykmshr/streamline/internal/testutil"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
)

func newTestRunner(t *testing.T, config Config) *Runner {
	t.Helper()
	r, err := NewRunner(config)
	testutil.AssertNoError(t, err)
	return r
}

func intsOf(t *testing.T, items []interface{}) []int {
	t.Helper()
	out := make([]int, len(items))
	for i, v := range items {
		n, ok := v.(int)
		if !ok {
			t.Fatalf("item %d: got %T, want int", i, v)
		}
		out[i] = n
	}
	return out
}

func seqInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func double(_ context.Context, v int, _ *RunContext) (int, error) {
	return v * 2, nil
}

// recorder is a Listener that keeps every event.
type recorder struct {
	mu       sync.Mutex
	started  []StageStarted
	ended    []StageEnded
	retries  []ItemRetried
	drops    []QueueDropped
	restarts []StageRestarted
	dead     []DeadLettered
	breaker  []BreakerStateChanged
	runEnds  []RunEnded
}

func (r *recorder) OnStageStart(e StageStarted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, e)
}

func (r *recorder) OnStageEnd(e StageEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, e)
}

func (r *recorder) OnItemRetry(e ItemRetried) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, e)
}

func (r *recorder) OnQueueDrop(e QueueDropped) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, e)
}

func (r *recorder) OnStageRestart(e StageRestarted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, e)
}

func (r *recorder) OnDeadLetter(e DeadLettered) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, e)
}

func (r *recorder) OnBreakerStateChange(e BreakerStateChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaker = append(r.breaker, e)
}

func (r *recorder) OnRunEnd(e RunEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runEnds = append(r.runEnds, e)
}

func (r *recorder) runEndCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runEnds)
}

// gateListener blocks every OnStageStart until release is closed.
type gateListener struct {
	NopListener
	release chan struct{}
}

func (g gateListener) OnStageStart(StageStarted) { <-g.release }

func (r *recorder) endStatus(stageID string) (StageStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.ended {
		if e.StageID == stageID {
			return e.Status, true
		}
	}
	return StagePending, false
}

// failingSink rejects every record.
func failingSink(err error) deadletter.Sink {
	return deadletter.SinkFunc(func(context.Context, deadletter.Record) error {
		return err
	})
}
