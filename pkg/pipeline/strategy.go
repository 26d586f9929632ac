package pipeline

import (
	"fmt"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/common/validation"
	"github.com/vnykmshr/streamline/pkg/resilience/breaker"
	"github.com/vnykmshr/streamline/pkg/streaming/channel"
)

// Strategy drives one stage's processing loop. The variants are Sequential,
// Parallel and Resilient.
type Strategy interface {
	strategyName() string
}

// OverflowPolicy governs a Parallel producer when the input queue is full.
type OverflowPolicy = channel.BackpressureStrategy

// Overflow policies accepted by Parallel.
const (
	Block      = channel.Block
	DropNewest = channel.DropNewest
	DropOldest = channel.DropOldest
)

// Sequential processes one item at a time in arrival order.
type Sequential struct{}

func (Sequential) strategyName() string { return "sequential" }

// Parallel runs a per-item stage on a fixed pool of workers fed by a
// bounded queue.
type Parallel struct {
	// MaxConcurrency is the number of workers.
	MaxConcurrency int

	// QueueCapacity bounds the input queue.
	QueueCapacity int

	// OverflowPolicy decides what happens when the queue is full.
	OverflowPolicy OverflowPolicy

	// PreserveOrdering releases results strictly in arrival order. A slow
	// item then holds back every later item that already finished.
	PreserveOrdering bool

	// OutputBufferCapacity bounds completed results waiting to be pulled.
	// Zero means MaxConcurrency.
	OutputBufferCapacity int
}

func (Parallel) strategyName() string { return "parallel" }

func (p Parallel) validate() error {
	if err := validation.ValidatePositive("pipeline", "Parallel.MaxConcurrency", p.MaxConcurrency); err != nil {
		return err
	}
	if err := validation.ValidatePositive("pipeline", "Parallel.QueueCapacity", p.QueueCapacity); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("pipeline", "Parallel.OutputBufferCapacity", p.OutputBufferCapacity); err != nil {
		return err
	}
	switch p.OverflowPolicy {
	case Block, DropNewest, DropOldest:
		return nil
	}
	return sferrors.NewValidationError("pipeline", "Parallel.OverflowPolicy", p.OverflowPolicy,
		"must be block, drop_newest or drop_oldest")
}

// Resilient wraps Sequential or Parallel with item- and stage-level
// recovery, a circuit breaker and a materialization buffer.
type Resilient struct {
	// Inner is the wrapped strategy. Nil means Sequential. It must not be
	// Resilient.
	Inner Strategy

	// ItemHandler decides the fate of a failed item. Nil means FailPipeline.
	ItemHandler ItemErrorHandler

	// StageHandler decides the fate of a failed stage stream. Nil means
	// FailPipeline.
	StageHandler StageErrorHandler

	// Breaker configures the stage's circuit breaker. Nil means
	// breaker.DefaultConfig.
	Breaker *breaker.Config
}

func (r Resilient) strategyName() string {
	return "resilient(" + r.inner().strategyName() + ")"
}

func (r Resilient) inner() Strategy {
	if r.Inner == nil {
		return Sequential{}
	}
	return r.Inner
}

func (r Resilient) breakerConfig(name string) breaker.Config {
	cfg := breaker.DefaultConfig(name)
	if r.Breaker != nil {
		cfg = *r.Breaker
		cfg.Name = name
	}
	return cfg.WithDefaults()
}

// validateStrategy checks s for a stage of the given kind.
func validateStrategy(stageID string, kind stageKind, s Strategy) error {
	switch st := s.(type) {
	case Sequential:
		return nil
	case Parallel:
		if !kind.perItem() {
			return sferrors.NewValidationError("pipeline", stageID+".Strategy", "parallel",
				fmt.Sprintf("parallel execution needs a per-item stage, got %s", kind))
		}
		return st.validate()
	case Resilient:
		if _, nested := st.inner().(Resilient); nested {
			return sferrors.NewValidationError("pipeline", stageID+".Strategy", st.strategyName(),
				"resilient strategies cannot be nested")
		}
		if err := validateStrategy(stageID, kind, st.inner()); err != nil {
			return err
		}
		return st.breakerConfig(stageID).Validate()
	default:
		return sferrors.NewValidationError("pipeline", stageID+".Strategy", fmt.Sprintf("%T", s), "unknown strategy")
	}
}
