package pipeline

import (
	"context"
	"fmt"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
)

// ItemDecision is the fate of one failed item.
type ItemDecision int

const (
	// ItemRetry re-invokes the stage function for the same item.
	ItemRetry ItemDecision = iota
	// ItemSkip drops the item and continues.
	ItemSkip
	// ItemDeadLetter records the item to the dead-letter sink and continues.
	ItemDeadLetter
	// ItemFailPipeline aborts the run.
	ItemFailPipeline
)

// String returns the decision name.
func (d ItemDecision) String() string {
	switch d {
	case ItemRetry:
		return "retry"
	case ItemSkip:
		return "skip"
	case ItemDeadLetter:
		return "dead_letter"
	case ItemFailPipeline:
		return "fail_pipeline"
	default:
		return fmt.Sprintf("ItemDecision(%d)", int(d))
	}
}

// StageDecision is the fate of a failed stage stream.
type StageDecision int

const (
	// RestartStage replays the materialized input and runs the stage again.
	RestartStage StageDecision = iota
	// ContinueWithoutStage ends the stage's output; downstream stages see
	// no further items from it.
	ContinueWithoutStage
	// StageFailPipeline aborts the run.
	StageFailPipeline
)

// String returns the decision name.
func (d StageDecision) String() string {
	switch d {
	case RestartStage:
		return "restart_stage"
	case ContinueWithoutStage:
		return "continue_without_stage"
	case StageFailPipeline:
		return "fail_pipeline"
	default:
		return fmt.Sprintf("StageDecision(%d)", int(d))
	}
}

// ItemFailureContext describes a failed item to an ItemErrorHandler.
type ItemFailureContext struct {
	StageID string
	Item    interface{}
	Err     error
	// Attempt is the number of times the stage function has run for Item.
	Attempt int
	Run     *RunContext
}

// StageFailureContext describes a failed stage stream to a StageErrorHandler.
type StageFailureContext struct {
	StageID string
	Err     error
	// Restarts is the number of restarts already performed for the stage.
	Restarts int
	Run      *RunContext
}

// ItemErrorHandler decides the fate of a failed item. A returned error, or
// a panic, fails the pipeline.
type ItemErrorHandler interface {
	HandleItemError(ctx context.Context, failure ItemFailureContext) (ItemDecision, error)
}

// StageErrorHandler decides the fate of a failed stage stream. A returned
// error, or a panic, fails the pipeline.
type StageErrorHandler interface {
	HandleStageError(ctx context.Context, failure StageFailureContext) (StageDecision, error)
}

// ItemErrorHandlerFunc adapts a function to ItemErrorHandler.
type ItemErrorHandlerFunc func(ctx context.Context, failure ItemFailureContext) (ItemDecision, error)

// HandleItemError implements ItemErrorHandler.
func (f ItemErrorHandlerFunc) HandleItemError(ctx context.Context, failure ItemFailureContext) (ItemDecision, error) {
	return f(ctx, failure)
}

// StageErrorHandlerFunc adapts a function to StageErrorHandler.
type StageErrorHandlerFunc func(ctx context.Context, failure StageFailureContext) (StageDecision, error)

// HandleStageError implements StageErrorHandler.
func (f StageErrorHandlerFunc) HandleStageError(ctx context.Context, failure StageFailureContext) (StageDecision, error) {
	return f(ctx, failure)
}

// AlwaysItem returns a handler that always decides d.
func AlwaysItem(d ItemDecision) ItemErrorHandler {
	return ItemErrorHandlerFunc(func(context.Context, ItemFailureContext) (ItemDecision, error) {
		return d, nil
	})
}

// RetryTemporary returns a handler that retries temporary failures, such as
// timeouts and exhausted capacity, and dead-letters everything else.
func RetryTemporary() ItemErrorHandler {
	return ItemErrorHandlerFunc(func(_ context.Context, f ItemFailureContext) (ItemDecision, error) {
		if sferrors.IsTemporary(f.Err) {
			return ItemRetry, nil
		}
		return ItemDeadLetter, nil
	})
}

// AlwaysStage returns a handler that always decides d.
func AlwaysStage(d StageDecision) StageErrorHandler {
	return StageErrorHandlerFunc(func(context.Context, StageFailureContext) (StageDecision, error) {
		return d, nil
	})
}

func decideItem(ctx context.Context, h ItemErrorHandler, failure ItemFailureContext) (d ItemDecision, err error) {
	if h == nil {
		return ItemFailPipeline, nil
	}
	defer func() {
		if r := recover(); r != nil {
			d, err = ItemFailPipeline, fmt.Errorf("%w: item handler panicked: %v", ErrHandlerFailed, r)
		}
	}()

	d, err = h.HandleItemError(ctx, failure)
	if err != nil {
		return ItemFailPipeline, fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}
	if d < ItemRetry || d > ItemFailPipeline {
		return ItemFailPipeline, fmt.Errorf("%w: unknown item decision %v", ErrHandlerFailed, d)
	}
	return d, nil
}

func decideStage(ctx context.Context, h StageErrorHandler, failure StageFailureContext) (d StageDecision, err error) {
	if h == nil {
		return StageFailPipeline, nil
	}
	defer func() {
		if r := recover(); r != nil {
			d, err = StageFailPipeline, fmt.Errorf("%w: stage handler panicked: %v", ErrHandlerFailed, r)
		}
	}()

	d, err = h.HandleStageError(ctx, failure)
	if err != nil {
		return StageFailPipeline, fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}
	if d < RestartStage || d > StageFailPipeline {
		return StageFailPipeline, fmt.Errorf("%w: unknown stage decision %v", ErrHandlerFailed, d)
	}
	return d, nil
}
