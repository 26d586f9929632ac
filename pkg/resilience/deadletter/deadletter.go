// Package deadletter defines the record produced when the engine gives up on
// an item and the sinks that accept such records.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Record describes one item that was given up on.
type Record struct {
	RunID    string
	Pipeline string
	StageID  string
	Item     interface{}
	Err      error
	// Attempts is the number of times the stage function ran for this item.
	Attempts  int
	Timestamp time.Time
}

// Message returns the failure message, or "" when Err is nil.
func (r Record) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type payload struct {
	RunID     string          `json:"run_id"`
	Pipeline  string          `json:"pipeline,omitempty"`
	StageID   string          `json:"stage_id"`
	Item      json.RawMessage `json:"item"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

// encodeItem returns the JSON form of item, falling back to its %v
// rendering when the item is not JSON-encodable.
func encodeItem(item interface{}) json.RawMessage {
	if b, err := json.Marshal(item); err == nil {
		return b
	}
	b, _ := json.Marshal(fmt.Sprintf("%v", item))
	return b
}

// MarshalJSON encodes the record for external stores.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(payload{
		RunID:     r.RunID,
		Pipeline:  r.Pipeline,
		StageID:   r.StageID,
		Item:      encodeItem(r.Item),
		Error:     r.Message(),
		Attempts:  r.Attempts,
		Timestamp: r.Timestamp.UTC(),
	})
}

// Sink durably records dead letters. A nil error acknowledges the record.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Tee records to every sink in order and joins their errors.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, rec Record) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Record(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the stored records.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Len returns the number of stored records.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
