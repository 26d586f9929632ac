// Package sequence provides lazy, pull-based sequences of values.
//
// A Sequence is consumed by calling Next until it reports exhaustion or
// returns an error. Nothing is produced until a value is pulled, which is
// what lets stages of a pipeline be chained without intermediate buffers.
package sequence

import (
	"context"
	"sync"
)

// Sequence provides pull-based sequential access to a stream of values.
type Sequence[T any] interface {
	// Next returns the next value. It returns (zero, false, nil) when the
	// sequence is exhausted.
	Next(ctx context.Context) (T, bool, error)

	// Close releases any resources held by the sequence. Close is idempotent.
	Close() error
}

// Func adapts a pair of functions to a Sequence.
type Func[T any] struct {
	NextFunc  func(ctx context.Context) (T, bool, error)
	CloseFunc func() error

	once sync.Once
}

// Next implements Sequence.
func (f *Func[T]) Next(ctx context.Context) (T, bool, error) {
	return f.NextFunc(ctx)
}

// Close implements Sequence.
func (f *Func[T]) Close() error {
	var err error
	f.once.Do(func() {
		if f.CloseFunc != nil {
			err = f.CloseFunc()
		}
	})
	return err
}

// FromSlice returns a sequence over items. The slice is not copied.
func FromSlice[T any](items []T) Sequence[T] {
	return &sliceSeq[T]{items: items}
}

type sliceSeq[T any] struct {
	items []T
	index int
}

func (s *sliceSeq[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if s.index >= len(s.items) {
		return zero, false, nil
	}
	v := s.items[s.index]
	s.index++
	return v, true, nil
}

func (s *sliceSeq[T]) Close() error { return nil }

// Empty returns an exhausted sequence.
func Empty[T any]() Sequence[T] {
	return &sliceSeq[T]{}
}

// Fail returns a sequence whose first Next returns err.
func Fail[T any](err error) Sequence[T] {
	return &Func[T]{NextFunc: func(context.Context) (T, bool, error) {
		var zero T
		return zero, false, err
	}}
}

// Concat yields every value of each sequence in turn. Closing the result
// closes all parts.
func Concat[T any](parts ...Sequence[T]) Sequence[T] {
	return &concatSeq[T]{parts: parts}
}

type concatSeq[T any] struct {
	parts []Sequence[T]
	index int
}

func (c *concatSeq[T]) Next(ctx context.Context) (T, bool, error) {
	for c.index < len(c.parts) {
		v, ok, err := c.parts[c.index].Next(ctx)
		if err != nil || ok {
			return v, ok, err
		}
		c.index++
	}
	var zero T
	return zero, false, nil
}

func (c *concatSeq[T]) Close() error {
	var first error
	for _, p := range c.parts {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NoClose returns a view of s whose Close does nothing. It lets a consumer
// be torn down and rebuilt over the same underlying sequence.
func NoClose[T any](s Sequence[T]) Sequence[T] {
	return &Func[T]{NextFunc: s.Next}
}

// Peek calls fn with every value pulled through the returned sequence.
func Peek[T any](s Sequence[T], fn func(T)) Sequence[T] {
	return &Func[T]{
		NextFunc: func(ctx context.Context) (T, bool, error) {
			v, ok, err := s.Next(ctx)
			if ok && err == nil {
				fn(v)
			}
			return v, ok, err
		},
		CloseFunc: s.Close,
	}
}

// Collect pulls every value of s into a slice and closes s. On error the
// values collected so far are returned with it.
func Collect[T any](ctx context.Context, s Sequence[T]) ([]T, error) {
	defer s.Close()

	var out []T
	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// ForEach pulls every value of s and passes it to fn, stopping at the first
// error. s is closed on return.
func ForEach[T any](ctx context.Context, s Sequence[T], fn func(T) error) error {
	defer s.Close()

	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}
