package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// boundarySeq sits between a stage's strategy and the next stage. It fires
// start and end events, counts output, and turns anything that escapes the
// stage into a *PipelineError. Errors that escaped an upstream stage pass
// through unchanged.
type boundarySeq struct {
	st      *stageRuntime
	inner   sequence.Sequence[any]
	ended   bool
	termErr error
}

func (b *boundarySeq) Next(ctx context.Context) (interface{}, bool, error) {
	if b.ended {
		return nil, false, b.termErr
	}
	if b.st.state.start(b.st.env.now()) {
		b.st.logger.Debug().Str("strategy", b.st.state.strategy).Msg("stage started")
		e := StageStarted{EventMeta: b.st.meta(), Strategy: b.st.state.strategy}
		b.st.env.notify.emit(func(l Listener) { l.OnStageStart(e) })
	}

	for {
		v, ok, err := b.inner.Next(ctx)
		if err != nil {
			return nil, false, b.fail(ctx, err)
		}
		if !ok {
			status := StageSucceeded
			if b.st.state.bypassed.Load() {
				status = StageBypassed
			}
			b.ended = true
			b.st.finish(status, nil)
			return nil, false, nil
		}

		b.st.state.itemsOut.Add(1)
		if _, ack := v.(sinkAck); ack {
			continue
		}
		return v, true, nil
	}
}

func (b *boundarySeq) fail(ctx context.Context, err error) error {
	b.ended = true

	if ctx.Err() != nil {
		b.termErr = ctx.Err()
		b.st.finish(StageCanceled, ctx.Err())
		return b.termErr
	}

	if pe, ok := asPipelineError(err); ok {
		if pe.StageID == b.st.stage.ID {
			b.st.finish(StageFailed, pe)
		} else {
			b.st.finish(StageStopped, nil)
		}
		b.termErr = err
		return err
	}

	pe := &PipelineError{StageID: b.st.stage.ID, Err: err}
	if f, ok := asItemFailure(err); ok {
		pe.Item, pe.Err = f.Item, f.Err
	}
	b.st.finish(StageFailed, pe)
	b.termErr = pe
	return pe
}

func (b *boundarySeq) Close() error {
	return b.inner.Close()
}

// finish records a final status once and announces it.
func (st *stageRuntime) finish(status StageStatus, err error) {
	if !st.state.finish(status, err, st.env.now()) {
		return
	}

	r := st.state.report()
	level := zerolog.DebugLevel
	switch status {
	case StageFailed:
		level = zerolog.ErrorLevel
	case StageBypassed:
		level = zerolog.WarnLevel
	}
	st.logger.WithLevel(level).
		Err(err).
		Str("status", status.String()).
		Int64("items_out", r.ItemsOut).
		Dur("duration", r.Duration).
		Msg("stage ended")

	e := StageEnded{
		EventMeta: st.meta(),
		Strategy:  r.Strategy,
		Status:    status,
		ItemsOut:  r.ItemsOut,
		Duration:  r.Duration,
		Err:       err,
	}
	st.env.notify.emit(func(l Listener) { l.OnStageEnd(e) })
}
