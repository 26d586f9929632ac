package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunStatus is the outcome of a run.
type RunStatus int

const (
	RunSucceeded RunStatus = iota
	RunFailed
	RunCanceled
)

func (s RunStatus) String() string {
	switch s {
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	case RunCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// StageStatus is the final state of one stage in a run.
type StageStatus int

const (
	// StagePending means the stage was never pulled.
	StagePending StageStatus = iota
	// StageRunning means the stage started and has not finished.
	StageRunning
	// StageSucceeded means the stage's output ended normally.
	StageSucceeded
	// StageFailed means the stage caused the run to fail.
	StageFailed
	// StageBypassed means a ContinueWithoutStage decision ended the stage.
	StageBypassed
	// StageCanceled means the run was canceled while the stage was running.
	StageCanceled
	// StageStopped means the stage was torn down before its output ended,
	// because another stage failed or stopped consuming.
	StageStopped
)

var stageStatusNames = [...]string{"pending", "running", "succeeded", "failed", "bypassed", "canceled", "stopped"}

func (s StageStatus) String() string {
	if int(s) < len(stageStatusNames) {
		return stageStatusNames[s]
	}
	return "unknown"
}

// StageReport summarizes one stage's run.
type StageReport struct {
	ID       string
	Strategy string
	Status   StageStatus

	ItemsOut     int64
	ItemRetries  int64
	Skipped      int64
	DeadLettered int64
	Dropped      int64
	Restarts     int64

	Duration time.Duration
	Err      error
}

// Result is the outcome of Runner.Run.
type Result struct {
	RunID    string
	Pipeline string
	Status   RunStatus

	// Output holds the items emitted by the last stage, in emission order.
	Output []interface{}

	// Stages maps stage IDs to their reports.
	Stages map[string]StageReport

	StartedAt time.Time
	Duration  time.Duration
	Err       error

	// NotificationsDropped counts lifecycle events listeners never
	// received, through queue overflow or the flush deadline.
	NotificationsDropped int64
}

// stageState holds the counters for one stage. Dropped is written by the
// Parallel producer goroutine; everything else by the pulling goroutine.
type stageState struct {
	id       string
	strategy string

	itemsOut     atomic.Int64
	itemRetries  atomic.Int64
	skipped      atomic.Int64
	deadLettered atomic.Int64
	dropped      atomic.Int64
	restarts     atomic.Int64
	bypassed     atomic.Bool

	mu       sync.Mutex
	status   StageStatus
	started  time.Time
	duration time.Duration
	err      error
}

func newStageState(id, strategy string) *stageState {
	return &stageState{id: id, strategy: strategy}
}

func (s *stageState) start(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StagePending {
		return false
	}
	s.status = StageRunning
	s.started = now
	return true
}

// finish moves a running stage to a final status. It reports false if the
// stage had already finished or never started.
func (s *stageState) finish(status StageStatus, err error, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StageRunning {
		return false
	}
	s.status = status
	s.err = err
	s.duration = now.Sub(s.started)
	return true
}

func (s *stageState) report() StageReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StageReport{
		ID:           s.id,
		Strategy:     s.strategy,
		Status:       s.status,
		ItemsOut:     s.itemsOut.Load(),
		ItemRetries:  s.itemRetries.Load(),
		Skipped:      s.skipped.Load(),
		DeadLettered: s.deadLettered.Load(),
		Dropped:      s.dropped.Load(),
		Restarts:     s.restarts.Load(),
		Duration:     s.duration,
		Err:          s.err,
	}
}
