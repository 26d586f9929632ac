package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/streamline/pkg/resilience/breaker"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
	"github.com/vnykmshr/streamline/pkg/streaming/channel"
)

// EventMeta identifies where and when a lifecycle event happened.
type EventMeta struct {
	RunID    string
	Pipeline string
	StageID  string
	Time     time.Time
}

// StageStarted is delivered when a stage is first pulled.
type StageStarted struct {
	EventMeta
	Strategy string
}

// StageEnded is delivered when a stage reaches a final status.
type StageEnded struct {
	EventMeta
	Strategy string
	Status   StageStatus
	ItemsOut int64
	Duration time.Duration
	Err      error
}

// ItemRetried is delivered before an item is re-invoked.
type ItemRetried struct {
	EventMeta
	Item interface{}
	// Retry counts retries of this item, starting at 1.
	Retry  int
	Reason error
}

// QueueDropped is delivered for every item a Parallel queue discards.
type QueueDropped struct {
	EventMeta
	Item   interface{}
	Policy OverflowPolicy
	// Total is the number of items the stage has dropped so far.
	Total int64
}

// StageRestarted is delivered before a stage is restarted.
type StageRestarted struct {
	EventMeta
	// Attempt counts restarts of this stage, starting at 1.
	Attempt  int
	Replayed int
	Reason   error
}

// DeadLettered is delivered after the sink acknowledged a record.
type DeadLettered struct {
	EventMeta
	Record deadletter.Record
}

// BreakerStateChanged is delivered on every circuit breaker transition.
type BreakerStateChanged struct {
	EventMeta
	From breaker.State
	To   breaker.State
}

// RunEnded is delivered once per run after every other event. It is never
// dropped by queue overflow, though it may arrive after Run has returned.
type RunEnded struct {
	RunID    string
	Pipeline string
	Status   RunStatus
	Time     time.Time
	// Dropped counts this run's events that were never delivered.
	Dropped int64
}

// Listener observes run lifecycle events. Events are delivered
// asynchronously on a single goroutine, in order, and may be dropped when
// the listener falls behind. Listener calls never affect the run.
type Listener interface {
	OnStageStart(e StageStarted)
	OnStageEnd(e StageEnded)
	OnItemRetry(e ItemRetried)
	OnQueueDrop(e QueueDropped)
	OnStageRestart(e StageRestarted)
	OnDeadLetter(e DeadLettered)
	OnBreakerStateChange(e BreakerStateChanged)
}

// RunListener is implemented by listeners that want RunEnded, for example
// to release per-run state left behind by dropped events.
type RunListener interface {
	OnRunEnd(e RunEnded)
}

// NopListener implements Listener and RunListener with no-op methods; embed
// it to implement only the events you need.
type NopListener struct{}

func (NopListener) OnStageStart(StageStarted)                {}
func (NopListener) OnStageEnd(StageEnded)                    {}
func (NopListener) OnItemRetry(ItemRetried)                  {}
func (NopListener) OnQueueDrop(QueueDropped)                 {}
func (NopListener) OnStageRestart(StageRestarted)            {}
func (NopListener) OnDeadLetter(DeadLettered)                {}
func (NopListener) OnBreakerStateChange(BreakerStateChanged) {}
func (NopListener) OnRunEnd(RunEnded)                        {}

// notifier fans events out to listeners from one goroutine. Events are
// queued on a DropNewest channel so emitters never block, and close waits
// for delivery only up to a flush deadline.
type notifier struct {
	listeners []Listener
	logger    zerolog.Logger
	queue     channel.BackpressureChannel[func(Listener)]
	dropped   atomic.Int64
	abandoned atomic.Bool
	final     atomic.Pointer[RunEnded]
	done      chan struct{}
	closeOnce sync.Once
}

func newNotifier(listeners []Listener, buffer int, logger zerolog.Logger) *notifier {
	n := &notifier{
		listeners: listeners,
		logger:    logger,
		done:      make(chan struct{}),
	}
	if len(listeners) == 0 {
		close(n.done)
		return n
	}

	n.queue = channel.NewWithConfig[func(Listener)](channel.Config{
		BufferSize: buffer,
		Strategy:   channel.DropNewest,
		OnDrop:     func(interface{}) { n.dropped.Add(1) },
	})
	go n.loop()
	return n
}

func (n *notifier) emit(deliver func(Listener)) {
	if n.queue == nil {
		return
	}
	_ = n.queue.TrySend(deliver)
}

func (n *notifier) loop() {
	defer close(n.done)
	for {
		deliver, err := n.queue.Receive(context.Background())
		if err != nil {
			break
		}
		if n.abandoned.Load() {
			n.dropped.Add(1)
			continue
		}
		for _, l := range n.listeners {
			n.dispatch(l, deliver)
		}
	}

	if e := n.final.Load(); e != nil {
		e.Dropped = n.dropped.Load()
		for _, l := range n.listeners {
			if rl, ok := l.(RunListener); ok {
				n.dispatch(l, func(Listener) { rl.OnRunEnd(*e) })
			}
		}
	}
}

func (n *notifier) dispatch(l Listener, deliver func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	deliver(l)
}

// close stops accepting events, queues end for RunListeners and waits up to
// flush for queued events to be delivered. Events still queued at the
// deadline are discarded. It returns the number of undelivered events.
func (n *notifier) close(end RunEnded, flush time.Duration) int64 {
	n.closeOnce.Do(func() {
		if n.queue != nil {
			n.final.Store(&end)
			_ = n.queue.Close()
		}
	})

	select {
	case <-n.done:
	default:
		timer := time.NewTimer(flush)
		defer timer.Stop()
		select {
		case <-n.done:
		case <-timer.C:
			n.abandoned.Store(true)
			pending := int64(n.queue.Len())
			n.logger.Warn().
				Int64("pending", pending).
				Dur("flush_timeout", flush).
				Msg("listeners too slow, abandoning queued notifications")
			dropped := n.dropped.Load() + pending
			n.logDropped(dropped)
			return dropped
		}
	}

	dropped := n.dropped.Load()
	n.logDropped(dropped)
	return dropped
}

func (n *notifier) logDropped(dropped int64) {
	if dropped > 0 {
		n.logger.Warn().Int64("dropped", dropped).Msg("lifecycle notifications dropped")
	}
}
