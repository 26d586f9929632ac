package pipeline

import (
	"fmt"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
)

// Graph is a linear pipeline: each stage consumes its predecessor's output.
type Graph struct {
	Name   string
	Stages []Stage

	// Retry overrides the runner's retry options for every stage that does
	// not set its own.
	Retry *RetryOptions
}

// Validate performs every build-time check. defaults are the runner's retry
// options, used to resolve the effective options of each stage.
func (g *Graph) Validate(defaults RetryOptions) error {
	if g == nil || len(g.Stages) == 0 {
		return sferrors.NewValidationError("pipeline", "Stages", 0, "a pipeline needs at least one stage")
	}
	if g.Retry != nil {
		if err := g.Retry.Validate(); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(g.Stages))
	last := len(g.Stages) - 1
	for i, s := range g.Stages {
		field := fmt.Sprintf("Stages[%d]", i)
		if s.ID == "" {
			return sferrors.NewValidationError("pipeline", field+".ID", s.ID, "must not be empty")
		}
		if _, dup := seen[s.ID]; dup {
			return sferrors.NewValidationError("pipeline", field+".ID", s.ID, "duplicate stage id")
		}
		seen[s.ID] = struct{}{}

		kind := s.kind()
		switch {
		case kind == kindInvalid:
			return sferrors.NewValidationError("pipeline", s.ID, nil,
				"exactly one of Source, Process, Sink and Transform must be set")
		case kind == kindSource && i != 0:
			return sferrors.NewValidationError("pipeline", s.ID, kind.String(), "only the first stage may be a source")
		case kind == kindSink && i != last:
			return sferrors.NewValidationError("pipeline", s.ID, kind.String(), "only the last stage may be a sink")
		}

		if err := validateStrategy(s.ID, kind, s.strategy()); err != nil {
			return err
		}
		if s.Retry != nil {
			if err := s.Retry.Validate(); err != nil {
				return err
			}
		}
		if err := resolveRetry(s.Retry, g.Retry, defaults).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) hasSource() bool {
	return len(g.Stages) > 0 && g.Stages[0].kind() == kindSource
}
