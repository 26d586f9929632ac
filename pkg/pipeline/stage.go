package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// RunContext is passed explicitly to every stage function and handler.
// It is shared by all stages of one run and must be treated as read-only.
type RunContext struct {
	RunID     string
	Pipeline  string
	StartedAt time.Time
	Logger    zerolog.Logger

	values map[string]interface{}
}

// Value returns a run-scoped value supplied through Config.Values.
func (rc *RunContext) Value(key string) (interface{}, bool) {
	v, ok := rc.values[key]
	return v, ok
}

// SourceFunc produces the initial stream of a run.
type SourceFunc func(ctx context.Context, rc *RunContext) (sequence.Sequence[any], error)

// ItemFunc transforms one item.
type ItemFunc func(ctx context.Context, item interface{}, rc *RunContext) (interface{}, error)

// SinkFunc consumes one item and produces nothing.
type SinkFunc func(ctx context.Context, item interface{}, rc *RunContext) error

// StreamFunc transforms a whole stream. A returned sequence may report a
// single item's failure by returning an *ItemFailure from Next and remaining
// usable; any other error ends the stream.
type StreamFunc func(ctx context.Context, in sequence.Sequence[any], rc *RunContext) (sequence.Sequence[any], error)

// Stage is one node of a linear pipeline. Exactly one of Source, Process,
// Sink and Transform must be set.
type Stage struct {
	// ID identifies the stage in reports, events and dead letters.
	ID string

	Source    SourceFunc
	Process   ItemFunc
	Sink      SinkFunc
	Transform StreamFunc

	// Strategy drives the stage. Nil means Sequential.
	Strategy Strategy

	// Retry overrides the graph and runner retry options for this stage.
	Retry *RetryOptions
}

type stageKind int

const (
	kindInvalid stageKind = iota
	kindSource
	kindProcess
	kindSink
	kindTransform
)

func (k stageKind) String() string {
	switch k {
	case kindSource:
		return "source"
	case kindProcess:
		return "process"
	case kindSink:
		return "sink"
	case kindTransform:
		return "transform"
	default:
		return "invalid"
	}
}

// perItem reports whether the stage function runs once per item.
func (k stageKind) perItem() bool {
	return k == kindProcess || k == kindSink
}

func (s Stage) kind() stageKind {
	kind, n := kindInvalid, 0
	if s.Source != nil {
		kind, n = kindSource, n+1
	}
	if s.Process != nil {
		kind, n = kindProcess, n+1
	}
	if s.Sink != nil {
		kind, n = kindSink, n+1
	}
	if s.Transform != nil {
		kind, n = kindTransform, n+1
	}
	if n != 1 {
		return kindInvalid
	}
	return kind
}

func (s Stage) strategy() Strategy {
	if s.Strategy == nil {
		return Sequential{}
	}
	return s.Strategy
}
