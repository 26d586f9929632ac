package pipeline

import (
	"container/heap"
	"context"
	"sync"

	"github.com/vnykmshr/streamline/pkg/scheduling/workerpool"
	"github.com/vnykmshr/streamline/pkg/streaming/channel"
	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

type jobResult = workerpool.Result[any, any]

// resultHeap orders completed jobs by arrival sequence number.
type resultHeap []jobResult

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].Job.Seq < h[j].Job.Seq }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(jobResult)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// parallelSeq is the Parallel strategy. A producer goroutine moves input
// items into a bounded queue, a worker pool drains it, and Next releases
// results either in completion order or, with PreserveOrdering, strictly by
// arrival sequence number.
//
// Upstream is pulled with the caller's context so tearing the strategy down
// never cancels an upstream stage mid-item. Close therefore waits for an
// in-progress upstream pull to return.
type parallelSeq struct {
	st  *stageRuntime
	cfg Parallel
	in  sequence.Sequence[any]

	started  bool
	startErr error
	cancel   context.CancelFunc
	queue    channel.BackpressureChannel[workerpool.Job[any]]
	pool     *workerpool.Pool[any, any]
	results  <-chan jobResult
	drained  bool

	producerDone chan struct{}
	upstreamErr  error

	pending resultHeap
	next    int64

	dropMu  sync.Mutex
	dropped map[int64]struct{}

	closeOnce sync.Once
	closeErr  error
}

func newParallelSeq(st *stageRuntime, cfg Parallel, in sequence.Sequence[any]) *parallelSeq {
	if cfg.OutputBufferCapacity <= 0 {
		cfg.OutputBufferCapacity = cfg.MaxConcurrency
	}
	return &parallelSeq{
		st:           st,
		cfg:          cfg,
		in:           in,
		producerDone: make(chan struct{}),
		dropped:      make(map[int64]struct{}),
	}
}

func (p *parallelSeq) start(ctx context.Context) error {
	p.started = true

	p.queue = channel.NewWithConfig[workerpool.Job[any]](channel.Config{
		BufferSize: p.cfg.QueueCapacity,
		Strategy:   p.cfg.OverflowPolicy,
		OnDrop:     p.onDrop,
	})

	pool, err := workerpool.New(workerpool.Config{
		WorkerCount:  p.cfg.MaxConcurrency,
		ResultBuffer: p.cfg.OutputBufferCapacity,
	}, p.queue, func(ctx context.Context, job workerpool.Job[any]) (interface{}, error) {
		return p.st.callItem(ctx, job.Value)
	})
	if err != nil {
		close(p.producerDone)
		return err
	}
	p.pool = pool
	p.results = pool.Results()

	workCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	pool.Start(workCtx)
	go p.produce(ctx, workCtx)
	return nil
}

func (p *parallelSeq) produce(pullCtx, workCtx context.Context) {
	defer close(p.producerDone)
	defer p.queue.Close()

	var seq int64
	for workCtx.Err() == nil {
		item, ok, err := p.in.Next(pullCtx)
		if err != nil {
			if workCtx.Err() == nil {
				p.upstreamErr = err
			}
			return
		}
		if !ok {
			return
		}
		if err := p.queue.Send(workCtx, workerpool.Job[any]{Seq: seq, Value: item}); err != nil {
			return
		}
		seq++
	}
}

// onDrop runs on the producer goroutine with the queue lock held.
func (p *parallelSeq) onDrop(v interface{}) {
	job := v.(workerpool.Job[any])

	p.dropMu.Lock()
	p.dropped[job.Seq] = struct{}{}
	p.dropMu.Unlock()

	total := p.st.state.dropped.Add(1)
	e := QueueDropped{EventMeta: p.st.meta(), Item: job.Value, Policy: p.cfg.OverflowPolicy, Total: total}
	p.st.env.notify.emit(func(l Listener) { l.OnQueueDrop(e) })
}

func (p *parallelSeq) Next(ctx context.Context) (interface{}, bool, error) {
	if !p.started {
		p.startErr = p.start(ctx)
	}
	if p.startErr != nil {
		return nil, false, p.startErr
	}

	for {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if r, ok := p.ready(); ok {
			return p.release(ctx, r)
		}
		if p.drained {
			<-p.producerDone
			if err := p.upstreamErr; err != nil {
				p.upstreamErr = nil
				return nil, false, err
			}
			return nil, false, nil
		}

		select {
		case r, ok := <-p.results:
			if !ok {
				p.drained = true
				continue
			}
			if !p.cfg.PreserveOrdering {
				return p.release(ctx, r)
			}
			heap.Push(&p.pending, r)
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// ready pops the next releasable result in ordered mode. Once every result
// has arrived, remaining gaps can only be dropped jobs, so the smallest
// pending result is always releasable.
func (p *parallelSeq) ready() (jobResult, bool) {
	if len(p.pending) == 0 {
		return jobResult{}, false
	}

	p.dropMu.Lock()
	for {
		if _, skip := p.dropped[p.next]; !skip {
			break
		}
		delete(p.dropped, p.next)
		p.next++
	}
	p.dropMu.Unlock()

	if p.pending[0].Job.Seq != p.next && !p.drained {
		return jobResult{}, false
	}
	r := heap.Pop(&p.pending).(jobResult)
	p.next = r.Job.Seq + 1
	return r, true
}

func (p *parallelSeq) release(ctx context.Context, r jobResult) (interface{}, bool, error) {
	if r.Err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &ItemFailure{StageID: p.st.stage.ID, Item: r.Job.Value, Err: r.Err, Attempts: 1}
	}
	return r.Value, true, nil
}

// Close stops the workers and the producer, waits for both, and closes the
// input.
func (p *parallelSeq) Close() error {
	p.closeOnce.Do(func() {
		if p.started && p.pool != nil {
			p.cancel()
			p.pool.Wait()
			<-p.producerDone
		}
		p.closeErr = p.in.Close()
	})
	return p.closeErr
}
