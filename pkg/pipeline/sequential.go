package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// sinkAck stands in for a successfully consumed item inside a sink stage's
// sequence. The stage boundary counts it and does not forward it.
type sinkAck struct{}

// runEnv is shared by every stage of one run.
type runEnv struct {
	rc      *RunContext
	notify  *notifier
	sink    deadletter.Sink
	logger  zerolog.Logger
	nowFunc func() time.Time
}

func (e *runEnv) now() time.Time {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return time.Now()
}

// stageRuntime binds a stage to its resolved options and counters for one run.
type stageRuntime struct {
	stage  Stage
	kind   stageKind
	retry  RetryOptions
	state  *stageState
	env    *runEnv
	logger zerolog.Logger
}

func newStageRuntime(stage Stage, retry RetryOptions, env *runEnv) *stageRuntime {
	return &stageRuntime{
		stage:  stage,
		kind:   stage.kind(),
		retry:  retry,
		state:  newStageState(stage.ID, stage.strategy().strategyName()),
		env:    env,
		logger: env.logger.With().Str("stage", stage.ID).Logger(),
	}
}

func (st *stageRuntime) meta() EventMeta {
	return EventMeta{
		RunID:    st.env.rc.RunID,
		Pipeline: st.env.rc.Pipeline,
		StageID:  st.stage.ID,
		Time:     st.env.now(),
	}
}

// execute returns the lazy output of s applied to in.
func (st *stageRuntime) execute(s Strategy, in sequence.Sequence[any]) sequence.Sequence[any] {
	switch s := s.(type) {
	case Parallel:
		return newParallelSeq(st, s, in)
	case Resilient:
		return newResilientSeq(st, s, in)
	default:
		if st.kind.perItem() {
			return &itemSeq{st: st, in: in}
		}
		return &streamSeq{st: st, in: in}
	}
}

// callItem runs the per-item function once. Sink successes yield sinkAck.
func (st *stageRuntime) callItem(ctx context.Context, item interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrStagePanicked, r)
		}
	}()

	switch st.kind {
	case kindProcess:
		return st.stage.Process(ctx, item, st.env.rc)
	case kindSink:
		if err := st.stage.Sink(ctx, item, st.env.rc); err != nil {
			return nil, err
		}
		return sinkAck{}, nil
	default:
		return nil, fmt.Errorf("stage %q is a %s stage and cannot process single items", st.stage.ID, st.kind)
	}
}

// itemSeq is the Sequential strategy for per-item stages: pull one item,
// invoke, forward.
type itemSeq struct {
	st *stageRuntime
	in sequence.Sequence[any]
}

func (s *itemSeq) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	item, ok, err := s.in.Next(ctx)
	if err != nil || !ok {
		return nil, false, err
	}

	out, err := s.st.callItem(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &ItemFailure{StageID: s.st.stage.ID, Item: item, Err: err, Attempts: 1}
	}
	return out, true, nil
}

func (s *itemSeq) Close() error {
	return s.in.Close()
}

// streamSeq runs a Source or Transform stage. The stage function is invoked
// on the first pull.
type streamSeq struct {
	st      *stageRuntime
	in      sequence.Sequence[any]
	out     sequence.Sequence[any]
	openErr error
}

func (s *streamSeq) open(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanicked, r)
		}
	}()

	var out sequence.Sequence[any]
	switch s.st.kind {
	case kindSource:
		out, err = s.st.stage.Source(ctx, s.st.env.rc)
	case kindTransform:
		out, err = s.st.stage.Transform(ctx, s.in, s.st.env.rc)
	default:
		err = fmt.Errorf("stage %q is a %s stage and cannot open a stream", s.st.stage.ID, s.st.kind)
	}
	if err != nil {
		return err
	}
	if out == nil {
		out = sequence.Empty[any]()
	}
	s.out = out
	return nil
}

func (s *streamSeq) Next(ctx context.Context) (v interface{}, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.openErr != nil {
		return nil, false, s.openErr
	}
	if s.out == nil {
		if err := s.open(ctx); err != nil {
			s.openErr = err
			return nil, false, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			v, ok, err = nil, false, fmt.Errorf("%w: %v", ErrStagePanicked, r)
		}
	}()

	v, ok, err = s.out.Next(ctx)
	if f, isItem := asItemFailure(err); isItem {
		if f.StageID == "" {
			f.StageID = s.st.stage.ID
		}
		if f.Attempts == 0 {
			f.Attempts = 1
		}
	}
	return v, ok, err
}

func (s *streamSeq) Close() error {
	var err error
	if s.out != nil {
		err = s.out.Close()
	}
	if cerr := s.in.Close(); err == nil {
		err = cerr
	}
	return err
}
