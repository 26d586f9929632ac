package pipeline

import (
	"context"
	"fmt"

	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// Map adapts a typed per-item function into an ItemFunc. An item that is
// not an A fails with an error wrapping ErrItemType.
func Map[A, B any](fn func(ctx context.Context, in A, rc *RunContext) (B, error)) ItemFunc {
	return func(ctx context.Context, item interface{}, rc *RunContext) (interface{}, error) {
		in, err := cast[A](item)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in, rc)
	}
}

// Consume adapts a typed per-item consumer into a SinkFunc.
func Consume[A any](fn func(ctx context.Context, in A, rc *RunContext) error) SinkFunc {
	return func(ctx context.Context, item interface{}, rc *RunContext) error {
		in, err := cast[A](item)
		if err != nil {
			return err
		}
		return fn(ctx, in, rc)
	}
}

// FromSlice returns a SourceFunc that emits items in order.
func FromSlice[T any](items []T) SourceFunc {
	return func(context.Context, *RunContext) (sequence.Sequence[any], error) {
		out := make([]interface{}, len(items))
		for i, v := range items {
			out[i] = v
		}
		return sequence.FromSlice(out), nil
	}
}

// Generate returns a SourceFunc backed by a pull function. next reports
// false when the source is exhausted.
func Generate[T any](next func(ctx context.Context, rc *RunContext) (T, bool, error)) SourceFunc {
	return func(_ context.Context, rc *RunContext) (sequence.Sequence[any], error) {
		return &sequence.Func[any]{
			NextFunc: func(ctx context.Context) (interface{}, bool, error) {
				v, ok, err := next(ctx, rc)
				if err != nil || !ok {
					return nil, false, err
				}
				return v, true, nil
			},
		}, nil
	}
}

func cast[T any](item interface{}) (T, error) {
	v, ok := item.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T, want %T", ErrItemType, item, zero)
	}
	return v, nil
}

// Waiter gates work on a shared budget. *bucket.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Throttle returns an ItemFunc that waits on w before every call to fn. A
// failed wait fails the item.
func Throttle(w Waiter, fn ItemFunc) ItemFunc {
	return func(ctx context.Context, item interface{}, rc *RunContext) (interface{}, error) {
		if err := w.Wait(ctx); err != nil {
			return nil, fmt.Errorf("throttle: %w", err)
		}
		return fn(ctx, item, rc)
	}
}

// ThrottleSource paces a source so that each item waits on w before it is
// emitted.
func ThrottleSource(w Waiter, src SourceFunc) SourceFunc {
	return func(ctx context.Context, rc *RunContext) (sequence.Sequence[any], error) {
		seq, err := src(ctx, rc)
		if err != nil {
			return nil, err
		}
		return &sequence.Func[any]{
			NextFunc: func(ctx context.Context) (interface{}, bool, error) {
				v, ok, err := seq.Next(ctx)
				if err != nil || !ok {
					return v, ok, err
				}
				if err := w.Wait(ctx); err != nil {
					return nil, false, err
				}
				return v, true, nil
			},
			CloseFunc: seq.Close,
		}, nil
	}
}
