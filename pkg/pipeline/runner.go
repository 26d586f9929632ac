package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sfcontext "github.com/vnykmshr/streamline/pkg/common/context"
	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/common/logger"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// DefaultNotifyBuffer is the lifecycle event queue size used when
// Config.NotifyBuffer is zero.
const DefaultNotifyBuffer = 256

// DefaultNotifyFlushTimeout is how long a finished run waits for listeners
// when Config.NotifyFlushTimeout is zero.
const DefaultNotifyFlushTimeout = time.Second

// Config holds runner configuration.
type Config struct {
	// Retry is the lowest-precedence retry configuration. Nil means
	// DefaultRetryOptions.
	Retry *RetryOptions

	// DeadLetters receives dead-lettered items. Nil logs them through
	// Logger.
	DeadLetters deadletter.Sink

	// Listeners receive lifecycle events asynchronously.
	Listeners []Listener

	// Logger is the base logger. Nil disables logging.
	Logger *zerolog.Logger

	// NotifyBuffer bounds queued lifecycle events. Events beyond it are
	// dropped.
	NotifyBuffer int

	// NotifyFlushTimeout bounds how long a finished run waits for listeners
	// to drain queued events. Events still queued afterwards are dropped
	// and Run returns without them.
	NotifyFlushTimeout time.Duration

	// Timeout bounds every run. Zero means no limit; an expired timeout
	// cancels the run.
	Timeout time.Duration

	// Values are exposed read-only to stages through RunContext.Value.
	Values map[string]interface{}

	// Now overrides the clock used for reports and events.
	Now func() time.Time
}

// Stats holds runner statistics across runs.
type Stats struct {
	TotalRuns     int64
	Succeeded     int64
	Failed        int64
	Canceled      int64
	TotalDuration time.Duration
	LastRunAt     time.Time
}

// Runner executes graphs. A Runner is safe for concurrent use; each run gets
// its own breakers, buffers and queues.
type Runner struct {
	config Config
	retry  RetryOptions
	logger zerolog.Logger
	sink   deadletter.Sink

	mu    sync.Mutex
	stats Stats
}

// NewRunner creates a runner. It fails if Config.Retry is invalid.
func NewRunner(config Config) (*Runner, error) {
	retry := DefaultRetryOptions()
	if config.Retry != nil {
		retry = *config.Retry
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	if config.NotifyBuffer < 0 {
		return nil, sferrors.NewValidationError("pipeline", "NotifyBuffer", config.NotifyBuffer, "must be non-negative")
	}
	if config.NotifyBuffer == 0 {
		config.NotifyBuffer = DefaultNotifyBuffer
	}
	if config.NotifyFlushTimeout < 0 {
		return nil, sferrors.NewValidationError("pipeline", "NotifyFlushTimeout", config.NotifyFlushTimeout, "must be non-negative")
	}
	if config.NotifyFlushTimeout == 0 {
		config.NotifyFlushTimeout = DefaultNotifyFlushTimeout
	}

	log := logger.Nop()
	if config.Logger != nil {
		log = logger.WithComponent(*config.Logger, "pipeline")
	}

	sink := config.DeadLetters
	if sink == nil {
		sink = deadletter.NewLogSink(log)
	}

	return &Runner{config: config, retry: retry, logger: log, sink: sink}, nil
}

// RetryOptions returns the runner's default retry options.
func (r *Runner) RetryOptions() RetryOptions {
	return r.retry
}

// Run executes a graph whose first stage is a source. A nil error means the
// run succeeded; otherwise the returned Result still describes what
// happened, except for validation failures where it is nil.
func (r *Runner) Run(ctx context.Context, g *Graph) (*Result, error) {
	if err := g.Validate(r.retry); err != nil {
		return nil, err
	}
	if !g.hasSource() {
		return nil, sferrors.NewValidationError("pipeline", g.Stages[0].ID, g.Stages[0].kind().String(),
			"Run needs a source as the first stage").WithHint("use RunWithInput to supply the input")
	}
	return r.run(ctx, g, sequence.Empty[any]())
}

// RunWithInput executes a graph over the given input. The first stage must
// not be a source. The runner closes input.
func (r *Runner) RunWithInput(ctx context.Context, g *Graph, input sequence.Sequence[any]) (*Result, error) {
	if err := g.Validate(r.retry); err != nil {
		if input != nil {
			_ = input.Close()
		}
		return nil, err
	}
	if g.hasSource() {
		if input != nil {
			_ = input.Close()
		}
		return nil, sferrors.NewValidationError("pipeline", g.Stages[0].ID, kindSource.String(),
			"a source stage cannot consume external input").WithHint("use Run")
	}
	if input == nil {
		input = sequence.Empty[any]()
	}
	return r.run(ctx, g, input)
}

// RunAsync runs g on its own goroutine. The channel yields exactly one
// result and is then closed. The Result's Err is nil only on success.
func (r *Runner) RunAsync(ctx context.Context, g *Graph) <-chan *Result {
	ch := make(chan *Result, 1)
	go func() {
		defer close(ch)
		res, err := r.Run(ctx, g)
		if res == nil {
			res = &Result{Pipeline: g.name(), Status: RunFailed, Err: err}
		}
		ch <- res
	}()
	return ch
}

// Stats returns a snapshot of the runner statistics.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) now() time.Time {
	if r.config.Now != nil {
		return r.config.Now()
	}
	return time.Now()
}

func (r *Runner) run(parent context.Context, g *Graph, input sequence.Sequence[any]) (*Result, error) {
	runID := uuid.NewString()
	log := r.logger.With().Str("run_id", runID).Str("pipeline", g.Name).Logger()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if r.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	started := r.now()
	rc := &RunContext{
		RunID:     runID,
		Pipeline:  g.Name,
		StartedAt: started,
		Logger:    log,
		values:    r.config.Values,
	}
	env := &runEnv{
		rc:      rc,
		notify:  newNotifier(r.config.Listeners, r.config.NotifyBuffer, log),
		sink:    r.sink,
		logger:  log,
		nowFunc: r.config.Now,
	}

	runtimes := make([]*stageRuntime, len(g.Stages))
	seq := input
	for i, s := range g.Stages {
		st := newStageRuntime(s, resolveRetry(s.Retry, g.Retry, r.retry), env)
		runtimes[i] = st
		seq = &boundarySeq{st: st, inner: st.execute(s.strategy(), seq)}
	}

	log.Info().Int("stages", len(g.Stages)).Msg("pipeline run started")

	var output []interface{}
	err := sequence.ForEach(ctx, sequence.NoClose(seq), func(v interface{}) error {
		output = append(output, v)
		return nil
	})

	// Final statuses are settled before teardown so that canceling the
	// remaining stages cannot make a stopped stage look canceled.
	_, failed := asPipelineError(err)
	canceled := err != nil && !failed && ctx.Err() != nil
	for _, st := range runtimes {
		if canceled {
			st.finish(StageCanceled, ctx.Err())
		} else {
			st.finish(StageStopped, nil)
		}
	}
	cancel()
	if cerr := seq.Close(); cerr != nil {
		log.Debug().Err(cerr).Msg("closing pipeline stages")
	}
	res := &Result{
		RunID:     runID,
		Pipeline:  g.Name,
		Output:    output,
		Stages:    make(map[string]StageReport, len(runtimes)),
		StartedAt: started,
		Duration:  r.now().Sub(started),
	}
	for _, st := range runtimes {
		res.Stages[st.stage.ID] = st.state.report()
	}

	switch {
	case err == nil:
		res.Status = RunSucceeded
	case failed:
		res.Status = RunFailed
		res.Err = err
	case canceled:
		res.Status = RunCanceled
		res.Err = fmt.Errorf("%w: %w", ErrRunCanceled, ctx.Err())
	default:
		res.Status = RunFailed
		res.Err = err
	}

	res.NotificationsDropped = env.notify.close(RunEnded{
		RunID:    runID,
		Pipeline: g.Name,
		Status:   res.Status,
		Time:     r.now(),
	}, r.config.NotifyFlushTimeout)

	r.record(res)
	ev := log.Info()
	switch res.Status {
	case RunFailed:
		ev = log.Error()
	case RunCanceled:
		ev = ev.Bool("timed_out", sfcontext.IsTimedOut(ctx))
	}
	ev.Err(res.Err).
		Str("status", res.Status.String()).
		Int("items", len(output)).
		Dur("duration", res.Duration).
		Msg("pipeline run finished")

	return res, res.Err
}

func (r *Runner) record(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalRuns++
	r.stats.TotalDuration += res.Duration
	r.stats.LastRunAt = res.StartedAt
	switch res.Status {
	case RunSucceeded:
		r.stats.Succeeded++
	case RunFailed:
		r.stats.Failed++
	case RunCanceled:
		r.stats.Canceled++
	}
}

func (g *Graph) name() string {
	if g == nil {
		return ""
	}
	return g.Name
}
