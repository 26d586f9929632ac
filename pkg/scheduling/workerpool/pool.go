package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnykmshr/streamline/pkg/streaming/channel"
)

// ErrJobPanicked wraps the value recovered from a panicking handler.
var ErrJobPanicked = errors.New("job panicked")

// Job is a unit of work tagged with its arrival sequence number.
type Job[T any] struct {
	Seq   int64
	Value T
}

// Result is the outcome of one job.
type Result[T, R any] struct {
	// Job is the job that was executed.
	Job Job[T]

	// Value is the handler's return value. It is the zero value when Err is set.
	Value R

	// Err is the handler's error, or an ErrJobPanicked error.
	Err error

	// Duration is how long the handler took.
	Duration time.Duration

	// WorkerID identifies which worker executed the job.
	WorkerID int
}

// Handler processes a single job.
type Handler[T, R any] func(ctx context.Context, job Job[T]) (R, error)

// Config holds configuration options for creating a worker pool.
type Config struct {
	// WorkerCount is the number of workers in the pool. Must be greater than 0.
	WorkerCount int

	// ResultBuffer is the capacity of the results channel.
	// Zero means WorkerCount.
	ResultBuffer int

	// TaskTimeout bounds each handler call. Zero means no timeout.
	TaskTimeout time.Duration

	// PanicHandler is called with the recovered value when a handler panics.
	// The job still completes with an ErrJobPanicked result.
	PanicHandler func(seq int64, recovered interface{})
}

// Pool is a fixed set of workers draining a bounded queue.
//
// Workers stop when the queue is closed and drained or when the context
// passed to Start is done. Results is closed once every worker has stopped.
type Pool[T, R any] struct {
	config  Config
	queue   channel.BackpressureChannel[Job[T]]
	handler Handler[T, R]

	results chan Result[T, R]
	wg      sync.WaitGroup
	started atomic.Bool

	active    atomic.Int32
	completed atomic.Int64
}

// New creates a pool that will execute handler for each job received from queue.
func New[T, R any](config Config, queue channel.BackpressureChannel[Job[T]], handler Handler[T, R]) (*Pool[T, R], error) {
	if config.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", config.WorkerCount)
	}
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if config.ResultBuffer <= 0 {
		config.ResultBuffer = config.WorkerCount
	}

	return &Pool[T, R]{
		config:  config,
		queue:   queue,
		handler: handler,
		results: make(chan Result[T, R], config.ResultBuffer),
	}, nil
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *Pool[T, R]) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.wg.Add(p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		go p.run(ctx, i)
	}

	go func() {
		p.wg.Wait()
		close(p.results)
	}()
}

// Results returns the channel of job results.
func (p *Pool[T, R]) Results() <-chan Result[T, R] {
	return p.results
}

// Wait blocks until every worker has stopped.
func (p *Pool[T, R]) Wait() {
	p.wg.Wait()
}

// Size returns the number of workers in the pool.
func (p *Pool[T, R]) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the number of jobs waiting in the queue.
func (p *Pool[T, R]) QueueSize() int {
	return p.queue.Len()
}

// ActiveWorkers returns the number of workers currently executing a job.
func (p *Pool[T, R]) ActiveWorkers() int {
	return int(p.active.Load())
}

// TotalCompleted returns the number of jobs that finished, including failures.
func (p *Pool[T, R]) TotalCompleted() int64 {
	return p.completed.Load()
}

func (p *Pool[T, R]) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		job, err := p.queue.Receive(ctx)
		if err != nil {
			return
		}

		result := p.execute(ctx, id, job)

		select {
		case p.results <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool[T, R]) execute(ctx context.Context, id int, job Job[T]) (result Result[T, R]) {
	p.active.Add(1)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(job.Seq, r)
			}
			var zero R
			result.Value = zero
			result.Err = fmt.Errorf("%w: %v\n%s", ErrJobPanicked, r, debug.Stack())
		}
		result.Job = job
		result.Duration = time.Since(start)
		result.WorkerID = id

		p.active.Add(-1)
		p.completed.Add(1)
	}()

	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	result.Value, result.Err = p.handler(ctx, job)
	return result
}
