package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrFailPipeline is wrapped by errors caused by a FailPipeline decision.
	ErrFailPipeline = errors.New("pipeline failed by handler decision")

	// ErrRestartsExhausted is wrapped when a stage needs more restarts than
	// its RetryOptions allow.
	ErrRestartsExhausted = errors.New("stage restart attempts exhausted")

	// ErrHandlerFailed is wrapped when an error handler returns an error,
	// panics or returns an unknown decision.
	ErrHandlerFailed = errors.New("error handler failed")

	// ErrDeadLetterFailed is wrapped when the dead-letter sink rejects a
	// record.
	ErrDeadLetterFailed = errors.New("dead-letter sink failed")

	// ErrRunCanceled is wrapped, together with the context error, when a run
	// is canceled.
	ErrRunCanceled = errors.New("pipeline run canceled")

	// ErrItemType is wrapped by typed adapters when an item has an
	// unexpected type.
	ErrItemType = errors.New("unexpected item type")

	// ErrStagePanicked is wrapped when a stage function panics.
	ErrStagePanicked = errors.New("stage panicked")
)

// ItemFailure reports that a single item failed. A sequence returning an
// ItemFailure from Next stays usable.
type ItemFailure struct {
	StageID string
	Item    interface{}
	Err     error
	// Attempts is the number of times the stage function ran for Item.
	Attempts int
}

func (e *ItemFailure) Error() string {
	return fmt.Sprintf("stage %q: item %v failed: %v", e.StageID, e.Item, e.Err)
}

func (e *ItemFailure) Unwrap() error {
	return e.Err
}

// PipelineError is the fatal error that ends a run. StageID names the stage
// that failed; Item is set when an item triggered the failure.
type PipelineError struct {
	StageID string
	Item    interface{}
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Item != nil {
		return fmt.Sprintf("pipeline failed at stage %q (item %v): %v", e.StageID, e.Item, e.Err)
	}
	return fmt.Sprintf("pipeline failed at stage %q: %v", e.StageID, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func asPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	ok := errors.As(err, &pe)
	return pe, ok
}

func asItemFailure(err error) (*ItemFailure, bool) {
	var f *ItemFailure
	ok := errors.As(err, &f)
	return f, ok
}
