package pipeline

import (
	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/common/validation"
)

// RetryOptions bounds the recovery work a Resilient stage may do.
//
// When restarts are enabled the stage records its consumed input in a
// materialization buffer of MaxMaterializedItems entries. The buffer is a
// ring: a restart replays only the most recent MaxMaterializedItems items,
// not the full history since the stage started.
type RetryOptions struct {
	// MaxItemRetries is how many times a failed item is re-invoked before it
	// is dead-lettered.
	MaxItemRetries int

	// MaxStageRestartAttempts is how many times a failed stage stream may be
	// restarted during one run.
	MaxStageRestartAttempts int

	// MaxConsecutiveStageAttempts bounds restarts that happen without the
	// stage emitting an item in between. Zero means no separate bound.
	MaxConsecutiveStageAttempts int

	// MaxMaterializedItems is the replay window. Zero means unbounded, which
	// is rejected when restarts are enabled.
	MaxMaterializedItems int
}

// DefaultRetryOptions returns the runner defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxItemRetries:              0,
		MaxStageRestartAttempts:     3,
		MaxConsecutiveStageAttempts: 5,
		MaxMaterializedItems:        1000,
	}
}

// Validate checks the options. Restarts combined with an unbounded replay
// window are a configuration error.
func (o RetryOptions) Validate() error {
	checks := []struct {
		field string
		value int
	}{
		{"MaxItemRetries", o.MaxItemRetries},
		{"MaxStageRestartAttempts", o.MaxStageRestartAttempts},
		{"MaxConsecutiveStageAttempts", o.MaxConsecutiveStageAttempts},
		{"MaxMaterializedItems", o.MaxMaterializedItems},
	}
	for _, c := range checks {
		if err := validation.ValidateNonNegative("pipeline", c.field, c.value); err != nil {
			return err
		}
	}

	if o.MaxStageRestartAttempts > 0 && o.MaxMaterializedItems == 0 {
		return sferrors.NewValidationError("pipeline", "MaxMaterializedItems", o.MaxMaterializedItems,
			"must be bounded when stage restarts are enabled").
			WithHint("set MaxMaterializedItems > 0 or MaxStageRestartAttempts = 0")
	}
	return nil
}

// resolveRetry applies stage > graph > runner precedence.
func resolveRetry(stage, graph *RetryOptions, runner RetryOptions) RetryOptions {
	switch {
	case stage != nil:
		return *stage
	case graph != nil:
		return *graph
	default:
		return runner
	}
}
