package deadletter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
)

// ErrSinkClosed is returned by Record after Close.
var ErrSinkClosed = fmt.Errorf("dead-letter sink: %w", sferrors.ErrClosed)

// WriterConfig holds configuration for WriterSink.
type WriterConfig struct {
	// BufferSize is the write buffer size in bytes. Default: 64KB.
	BufferSize int

	// FlushInterval is how often buffered records are flushed. Zero flushes
	// after every record.
	FlushInterval time.Duration

	// OnError is called when a background flush fails.
	OnError func(error)
}

// WriterSink appends records as JSON lines to an io.Writer. With a
// FlushInterval, a record is acknowledged once buffered and reaches the
// writer on the next flush; a failed background flush is reported by the
// following Record call.
type WriterSink struct {
	config WriterConfig
	out    io.Writer

	mu       sync.Mutex
	buf      *bufio.Writer
	flushErr error
	closed   bool
	written  int64

	stop chan struct{}
	done chan struct{}
}

// NewWriterSink creates a WriterSink writing to w. When w is an io.Closer,
// Close closes it.
func NewWriterSink(w io.Writer, config WriterConfig) (*WriterSink, error) {
	if w == nil {
		return nil, sferrors.NewValidationError("deadletter", "writer", nil, "must not be nil")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64 * 1024
	}
	if config.FlushInterval < 0 {
		return nil, sferrors.NewValidationError("deadletter", "flush_interval", config.FlushInterval, "cannot be negative")
	}

	s := &WriterSink{
		config: config,
		out:    w,
		buf:    bufio.NewWriterSize(w, config.BufferSize),
	}
	if config.FlushInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.flushLoop()
	}
	return s, nil
}

// Record implements Sink.
func (s *WriterSink) Record(_ context.Context, rec Record) error {
	line, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.flushErr != nil {
		err := s.flushErr
		s.flushErr = nil
		return fmt.Errorf("previous flush failed: %w", err)
	}

	if _, err := s.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	s.written++
	if s.config.FlushInterval == 0 {
		if err := s.buf.Flush(); err != nil {
			return fmt.Errorf("flush dead letter: %w", err)
		}
	}
	return nil
}

// Written returns the number of records accepted.
func (s *WriterSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Flush writes buffered records to the underlying writer.
func (s *WriterSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// Close flushes buffered records, stops the flush loop and closes the
// underlying writer when it is an io.Closer.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		<-s.done
	}

	s.mu.Lock()
	err := s.buf.Flush()
	s.mu.Unlock()

	if c, ok := s.out.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func (s *WriterSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			err := s.buf.Flush()
			if err != nil {
				s.flushErr = err
			}
			s.mu.Unlock()
			if err != nil && s.config.OnError != nil {
				s.config.OnError(err)
			}
		case <-s.stop:
			return
		}
	}
}
