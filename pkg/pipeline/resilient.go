package pipeline

import (
	"context"
	"fmt"

	"github.com/vnykmshr/streamline/pkg/resilience/breaker"
	"github.com/vnykmshr/streamline/pkg/resilience/deadletter"
	"github.com/vnykmshr/streamline/pkg/resilience/materialize"
	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// resilientSeq wraps an inner strategy with item- and stage-level recovery.
//
// Item failures are handed to the ItemErrorHandler and retried in place, so
// a retried item keeps its position in the output. Stream failures are
// counted by the circuit breaker and handed to the StageErrorHandler; a
// restart replays the materialized input and then continues with the rest
// of upstream, so replayed items may be emitted twice.
type resilientSeq struct {
	st  *stageRuntime
	cfg Resilient

	upstream sequence.Sequence[any]
	recorded sequence.Sequence[any]
	input    sequence.Sequence[any]
	buffer   *materialize.Buffer[any]
	cb       *breaker.CircuitBreaker
	initErr  error

	inner       sequence.Sequence[any]
	progressed  bool
	restarts    int
	consecutive int

	done bool
	err  error
}

func newResilientSeq(st *stageRuntime, cfg Resilient, upstream sequence.Sequence[any]) *resilientSeq {
	r := &resilientSeq{st: st, cfg: cfg, upstream: upstream}

	bcfg := cfg.breakerConfig(st.stage.ID)
	bcfg.OnStateChange = r.onBreakerChange
	r.cb, r.initErr = breaker.New(bcfg)

	r.recorded = sequence.NoClose(upstream)
	if st.retry.MaxStageRestartAttempts > 0 {
		r.buffer = materialize.New[any](st.retry.MaxMaterializedItems)
		r.recorded = sequence.Peek(r.recorded, r.buffer.Append)
	}
	r.input = r.recorded
	return r
}

func (r *resilientSeq) onBreakerChange(name string, from, to breaker.State) {
	r.st.logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")

	e := BreakerStateChanged{EventMeta: r.st.meta(), From: from, To: to}
	r.st.env.notify.emit(func(l Listener) { l.OnBreakerStateChange(e) })
}

func (r *resilientSeq) Next(ctx context.Context) (interface{}, bool, error) {
	if r.initErr != nil {
		return r.finish(r.initErr)
	}
	if r.done {
		return nil, false, r.err
	}

	for {
		if r.inner == nil {
			r.inner = r.st.execute(r.cfg.inner(), r.input)
			r.progressed = false
		}

		v, ok, err := r.inner.Next(ctx)
		if err == nil {
			if !ok {
				r.cb.RecordSuccess()
				return r.finish(nil)
			}
			return r.emit(v)
		}

		// Cancellation bypasses every handler and the dead-letter sink.
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if _, upstreamFailed := asPipelineError(err); upstreamFailed {
			return r.finish(err)
		}

		if f, isItem := asItemFailure(err); isItem {
			out, emit, ferr := r.handleItem(ctx, f)
			switch {
			case ferr != nil && ctx.Err() != nil:
				return nil, false, ctx.Err()
			case ferr != nil:
				return r.finish(ferr)
			case emit:
				return r.emit(out)
			}
			continue
		}

		if ferr := r.handleStream(ctx, err); ferr != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			return r.finish(ferr)
		}
		if r.st.state.bypassed.Load() {
			return r.finish(nil)
		}
	}
}

func (r *resilientSeq) emit(v interface{}) (interface{}, bool, error) {
	if !r.progressed {
		r.progressed = true
		r.consecutive = 0
		r.cb.RecordSuccess()
	}
	return v, true, nil
}

func (r *resilientSeq) finish(err error) (interface{}, bool, error) {
	r.done = true
	r.err = err
	return nil, false, err
}

func (r *resilientSeq) fatal(item interface{}, err error) error {
	return &PipelineError{StageID: r.st.stage.ID, Item: item, Err: err}
}

// handleItem applies ItemErrorHandler decisions until the item succeeds or
// is given up on. It returns the item's output when a retry succeeded.
func (r *resilientSeq) handleItem(ctx context.Context, f *ItemFailure) (interface{}, bool, error) {
	item, cause := f.Item, f.Err
	attempts := f.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retries := 0

	for {
		decision, err := decideItem(ctx, r.cfg.ItemHandler, ItemFailureContext{
			StageID: r.st.stage.ID,
			Item:    item,
			Err:     cause,
			Attempt: attempts,
			Run:     r.st.env.rc,
		})
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if err != nil {
			return nil, false, r.fatal(item, fmt.Errorf("%w; item error: %v", err, cause))
		}

		if decision == ItemRetry && (!r.st.kind.perItem() || retries >= r.st.retry.MaxItemRetries) {
			r.st.logger.Debug().
				Int("attempts", attempts).
				Msg("item retries exhausted, dead-lettering")
			decision = ItemDeadLetter
		}

		switch decision {
		case ItemRetry:
			retries++
			r.st.state.itemRetries.Add(1)
			e := ItemRetried{EventMeta: r.st.meta(), Item: item, Retry: retries, Reason: cause}
			r.st.env.notify.emit(func(l Listener) { l.OnItemRetry(e) })

			out, err := r.st.callItem(ctx, item)
			attempts++
			if err == nil {
				return out, true, nil
			}
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			cause = err

		case ItemSkip:
			r.st.state.skipped.Add(1)
			r.st.logger.Debug().Err(cause).Msg("item skipped")
			return nil, false, nil

		case ItemDeadLetter:
			return nil, false, r.deadLetter(ctx, item, cause, attempts)

		default:
			return nil, false, r.fatal(item, fmt.Errorf("%w: %w", ErrFailPipeline, cause))
		}
	}
}

func (r *resilientSeq) deadLetter(ctx context.Context, item interface{}, cause error, attempts int) error {
	rec := deadletter.Record{
		RunID:     r.st.env.rc.RunID,
		Pipeline:  r.st.env.rc.Pipeline,
		StageID:   r.st.stage.ID,
		Item:      item,
		Err:       cause,
		Attempts:  attempts,
		Timestamp: r.st.env.now(),
	}
	if err := r.st.env.sink.Record(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fatal(item, fmt.Errorf("%w: %w", ErrDeadLetterFailed, err))
	}

	r.st.state.deadLettered.Add(1)
	r.st.logger.Warn().Err(cause).Int("attempts", attempts).Msg("item dead-lettered")

	e := DeadLettered{EventMeta: r.st.meta(), Record: rec}
	r.st.env.notify.emit(func(l Listener) { l.OnDeadLetter(e) })
	return nil
}

// handleStream consults the breaker and the StageErrorHandler after the
// inner stream failed. A nil return means the stage was restarted or
// bypassed.
func (r *resilientSeq) handleStream(ctx context.Context, cause error) error {
	if r.cb.RecordFailure() == breaker.Open {
		return r.fatal(nil, fmt.Errorf("%w: %w", breaker.ErrCircuitOpen, cause))
	}

	decision, err := decideStage(ctx, r.cfg.StageHandler, StageFailureContext{
		StageID:  r.st.stage.ID,
		Err:      cause,
		Restarts: r.restarts,
		Run:      r.st.env.rc,
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return r.fatal(nil, fmt.Errorf("%w; stage error: %v", err, cause))
	}

	switch decision {
	case RestartStage:
		return r.restart(cause)
	case ContinueWithoutStage:
		r.bypass(cause)
		return nil
	default:
		return r.fatal(nil, fmt.Errorf("%w: %w", ErrFailPipeline, cause))
	}
}

func (r *resilientSeq) restart(cause error) error {
	r.restarts++
	r.consecutive++

	allowed := r.st.retry.MaxStageRestartAttempts
	if r.restarts > allowed {
		return r.fatal(nil, fmt.Errorf("%w (%d allowed): %w", ErrRestartsExhausted, allowed, cause))
	}
	if limit := r.st.retry.MaxConsecutiveStageAttempts; limit > 0 && r.consecutive > limit {
		return r.fatal(nil, fmt.Errorf("%w (%d consecutive without progress): %w", ErrRestartsExhausted, limit, cause))
	}

	// Closing first lets a parallel producer record any item it was
	// pulling, so the replay below includes it.
	r.closeInner()

	replay := r.buffer.Replay()
	replayed := r.buffer.Len()
	r.input = sequence.Concat(replay, r.recorded)

	r.st.state.restarts.Add(1)
	r.st.logger.Warn().
		Err(cause).
		Int("attempt", r.restarts).
		Int("replayed", replayed).
		Int64("evicted", r.buffer.Evicted()).
		Msg("restarting stage")

	e := StageRestarted{EventMeta: r.st.meta(), Attempt: r.restarts, Replayed: replayed, Reason: cause}
	r.st.env.notify.emit(func(l Listener) { l.OnStageRestart(e) })
	return nil
}

func (r *resilientSeq) bypass(cause error) {
	r.closeInner()
	r.st.state.bypassed.Store(true)
	r.st.logger.Warn().Err(cause).Msg("continuing without stage")
}

func (r *resilientSeq) closeInner() {
	if r.inner == nil {
		return
	}
	if err := r.inner.Close(); err != nil {
		r.st.logger.Debug().Err(err).Msg("closing failed stage attempt")
	}
	r.inner = nil
}

func (r *resilientSeq) Close() error {
	r.closeInner()
	return r.upstream.Close()
}
