package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
)

// BackpressureStrategy defines how the channel handles a send when full.
type BackpressureStrategy int

const (
	// Block suspends the producer until space is available.
	Block BackpressureStrategy = iota

	// DropNewest discards the incoming value when the buffer is full.
	DropNewest

	// DropOldest evicts the buffer head to admit the incoming value.
	DropOldest

	// Error returns ErrChannelFull when the buffer is full.
	Error
)

// String returns the strategy name.
func (s BackpressureStrategy) String() string {
	switch s {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a strategy name as produced by String.
func ParseStrategy(name string) (BackpressureStrategy, error) {
	switch name {
	case "block", "":
		return Block, nil
	case "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "error":
		return Error, nil
	}
	return Block, errors.New("unknown backpressure strategy: " + name)
}

// ErrChannelFull is returned when the channel buffer is full and strategy is Error.
var ErrChannelFull = fmt.Errorf("channel buffer is full: %w", sferrors.ErrCapacityExceeded)

// ErrChannelClosed is returned when sending on a closed channel or receiving
// from a closed, drained one.
var ErrChannelClosed = fmt.Errorf("channel: %w", sferrors.ErrClosed)

// BackpressureChannel is a bounded FIFO with a configurable overflow policy.
type BackpressureChannel[T any] interface {
	// Send enqueues value according to the configured strategy. Dropping a
	// value is not an error.
	Send(ctx context.Context, value T) error

	// TrySend attempts to send a value without blocking. A Block channel
	// returns ErrChannelFull instead of waiting.
	TrySend(value T) error

	// Receive dequeues the oldest value, waiting until one is available,
	// the channel is closed and drained, or ctx is done.
	Receive(ctx context.Context) (T, error)

	// TryReceive attempts to receive a value without blocking.
	TryReceive() (T, bool, error)

	// Close closes the channel for sending. Buffered values stay receivable.
	Close() error

	// IsClosed returns true if the channel is closed.
	IsClosed() bool

	// Len returns the current number of buffered elements.
	Len() int

	// Cap returns the buffer capacity.
	Cap() int

	// Stats returns channel statistics.
	Stats() Stats
}

// Stats holds counters describing channel activity.
type Stats struct {
	SendCount    int64
	ReceiveCount int64
	DroppedCount int64
	BlockedSends int64

	// BufferUtilization is the current buffer utilization (0.0 to 1.0).
	BufferUtilization float64

	LastSendTime    time.Time
	LastReceiveTime time.Time
}

// Config holds configuration for BackpressureChannel.
type Config struct {
	// BufferSize is the capacity of the channel buffer.
	BufferSize int

	// Strategy defines how a full buffer is handled.
	Strategy BackpressureStrategy

	// OnDrop is called with each dropped value (DropNewest/DropOldest).
	// It runs on the sending goroutine with the channel lock held and must
	// not call back into the channel.
	OnDrop func(value interface{})

	// OnBlock is called each time a Block send has to wait.
	OnBlock func()

	// SendTimeout bounds Send (0 = no timeout).
	SendTimeout time.Duration

	// ReceiveTimeout bounds Receive (0 = no timeout).
	ReceiveTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: 100,
		Strategy:   Block,
	}
}

type backpressureChannel[T any] struct {
	config Config

	mu     sync.Mutex
	buffer []T
	head   int
	tail   int
	count  int
	closed int32

	sendCond *sync.Cond
	recvCond *sync.Cond

	sends    atomic.Int64
	receives atomic.Int64
	dropped  atomic.Int64
	blocked  atomic.Int64
	lastSend atomic.Int64
	lastRecv atomic.Int64
}

// New creates a Block channel with the given capacity.
func New[T any](bufferSize int) BackpressureChannel[T] {
	config := DefaultConfig()
	config.BufferSize = bufferSize
	return NewWithConfig[T](config)
}

// NewWithConfig creates a BackpressureChannel with the specified configuration.
func NewWithConfig[T any](config Config) BackpressureChannel[T] {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	ch := &backpressureChannel[T]{
		config: config,
		buffer: make([]T, config.BufferSize),
	}
	ch.sendCond = sync.NewCond(&ch.mu)
	ch.recvCond = sync.NewCond(&ch.mu)

	return ch
}

// Send implements BackpressureChannel.Send.
func (ch *backpressureChannel[T]) Send(ctx context.Context, value T) error {
	if ch.IsClosed() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if ch.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.config.SendTimeout)
		defer cancel()
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.count < len(ch.buffer) {
		ch.pushLocked(value)
		return nil
	}

	switch ch.config.Strategy {
	case DropNewest:
		ch.dropLocked(value)
		return nil
	case DropOldest:
		ch.dropLocked(ch.popLocked())
		ch.pushLocked(value)
		return nil
	case Error:
		return ErrChannelFull
	}

	for ch.count >= len(ch.buffer) {
		if ch.IsClosed() {
			return ErrChannelClosed
		}
		if ch.config.OnBlock != nil {
			ch.config.OnBlock()
		}
		ch.blocked.Add(1)
		if err := ch.waitLocked(ctx, ch.sendCond); err != nil {
			return err
		}
	}
	if ch.IsClosed() {
		return ErrChannelClosed
	}

	ch.pushLocked(value)
	return nil
}

// TrySend implements BackpressureChannel.TrySend.
func (ch *backpressureChannel[T]) TrySend(value T) error {
	if ch.IsClosed() {
		return ErrChannelClosed
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.count < len(ch.buffer) {
		ch.pushLocked(value)
		return nil
	}

	switch ch.config.Strategy {
	case DropNewest:
		ch.dropLocked(value)
		return nil
	case DropOldest:
		ch.dropLocked(ch.popLocked())
		ch.pushLocked(value)
		return nil
	default:
		return ErrChannelFull
	}
}

// Receive implements BackpressureChannel.Receive.
func (ch *backpressureChannel[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	if ch.config.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.config.ReceiveTimeout)
		defer cancel()
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	for ch.count == 0 {
		if ch.IsClosed() {
			return zero, ErrChannelClosed
		}
		if err := ch.waitLocked(ctx, ch.recvCond); err != nil {
			return zero, err
		}
	}

	return ch.receiveLocked(), nil
}

// TryReceive implements BackpressureChannel.TryReceive.
func (ch *backpressureChannel[T]) TryReceive() (T, bool, error) {
	var zero T

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.count == 0 {
		if ch.IsClosed() {
			return zero, false, ErrChannelClosed
		}
		return zero, false, nil
	}

	return ch.receiveLocked(), true, nil
}

// Close implements BackpressureChannel.Close.
func (ch *backpressureChannel[T]) Close() error {
	if !atomic.CompareAndSwapInt32(&ch.closed, 0, 1) {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.sendCond.Broadcast()
	ch.recvCond.Broadcast()

	return nil
}

// IsClosed implements BackpressureChannel.IsClosed.
func (ch *backpressureChannel[T]) IsClosed() bool {
	return atomic.LoadInt32(&ch.closed) != 0
}

// Len implements BackpressureChannel.Len.
func (ch *backpressureChannel[T]) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.count
}

// Cap implements BackpressureChannel.Cap.
func (ch *backpressureChannel[T]) Cap() int {
	return len(ch.buffer)
}

// Stats implements BackpressureChannel.Stats.
func (ch *backpressureChannel[T]) Stats() Stats {
	stats := Stats{
		SendCount:    ch.sends.Load(),
		ReceiveCount: ch.receives.Load(),
		DroppedCount: ch.dropped.Load(),
		BlockedSends: ch.blocked.Load(),
	}
	if ns := ch.lastSend.Load(); ns != 0 {
		stats.LastSendTime = time.Unix(0, ns)
	}
	if ns := ch.lastRecv.Load(); ns != 0 {
		stats.LastReceiveTime = time.Unix(0, ns)
	}

	ch.mu.Lock()
	stats.BufferUtilization = float64(ch.count) / float64(len(ch.buffer))
	ch.mu.Unlock()

	return stats
}

// waitLocked waits on cond until signaled or ctx is done. Must hold ch.mu.
func (ch *backpressureChannel[T]) waitLocked(ctx context.Context, cond *sync.Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The callback needs ch.mu, so the broadcast cannot be lost between
	// the check above and cond.Wait releasing the lock.
	stop := context.AfterFunc(ctx, func() {
		ch.mu.Lock()
		cond.Broadcast()
		ch.mu.Unlock()
	})
	cond.Wait()
	stop()

	return ctx.Err()
}

// pushLocked appends value at the tail. Must hold ch.mu.
func (ch *backpressureChannel[T]) pushLocked(value T) {
	ch.buffer[ch.tail] = value
	ch.tail = (ch.tail + 1) % len(ch.buffer)
	ch.count++

	ch.sends.Add(1)
	ch.lastSend.Store(time.Now().UnixNano())
	ch.recvCond.Signal()
}

// popLocked removes the head value. Must hold ch.mu and count > 0.
func (ch *backpressureChannel[T]) popLocked() T {
	value := ch.buffer[ch.head]
	var zero T
	ch.buffer[ch.head] = zero
	ch.head = (ch.head + 1) % len(ch.buffer)
	ch.count--

	ch.sendCond.Signal()
	return value
}

func (ch *backpressureChannel[T]) receiveLocked() T {
	ch.receives.Add(1)
	ch.lastRecv.Store(time.Now().UnixNano())
	return ch.popLocked()
}

func (ch *backpressureChannel[T]) dropLocked(value T) {
	ch.dropped.Add(1)
	if ch.config.OnDrop != nil {
		ch.config.OnDrop(value)
	}
}
