// Package materialize records the items a stage consumes so the stage can be
// re-driven from its recorded input after a failure.
//
// A bounded Buffer is a ring: once full, each Append evicts the oldest entry.
// A replay taken long after the buffer filled therefore covers only the most
// recent Cap() items, not the whole history since the stage started.
package materialize

import (
	"sync"

	"github.com/vnykmshr/streamline/pkg/streaming/sequence"
)

// Buffer is an append-only FIFO of consumed items, bounded or unbounded.
type Buffer[T any] struct {
	mu       sync.Mutex
	capacity int
	items    []T
	head     int
	count    int
	evicted  int64
}

// New creates a buffer holding at most capacity items. A capacity of zero or
// less makes the buffer unbounded.
func New[T any](capacity int) *Buffer[T] {
	b := &Buffer[T]{capacity: capacity}
	if capacity > 0 {
		b.items = make([]T, capacity)
	}
	return b
}

// Append records item, evicting the oldest entry when the buffer is full.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity <= 0 {
		b.items = append(b.items, item)
		b.count++
		return
	}

	if b.count == b.capacity {
		b.items[b.head] = item
		b.head = (b.head + 1) % b.capacity
		b.evicted++
		return
	}

	b.items[(b.head+b.count)%b.capacity] = item
	b.count++
}

// Snapshot returns the retained items in append order.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.count)
	if b.capacity <= 0 {
		copy(out, b.items)
		return out
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Replay returns a sequence over a snapshot of the retained items. Appends
// made after Replay returns are not visible to it.
func (b *Buffer[T]) Replay() sequence.Sequence[T] {
	return sequence.FromSlice(b.Snapshot())
}

// Len returns the number of retained items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the capacity, or 0 for an unbounded buffer.
func (b *Buffer[T]) Cap() int {
	if b.capacity <= 0 {
		return 0
	}
	return b.capacity
}

// Bounded reports whether the buffer evicts.
func (b *Buffer[T]) Bounded() bool {
	return b.capacity > 0
}

// Evicted returns the number of items dropped to make room.
func (b *Buffer[T]) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Reset discards all retained items.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.capacity <= 0 {
		b.items = nil
	} else {
		for i := range b.items {
			b.items[i] = zero
		}
	}
	b.head = 0
	b.count = 0
	b.evicted = 0
}
