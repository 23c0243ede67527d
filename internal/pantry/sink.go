package pantry

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// MemorySink keeps records in memory. It is the default when no broker is
// configured.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Add(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Records returns a copy of everything added so far
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records)
}

// MultiSink hands every batch to each sink and joins their errors
type MultiSink []Sink

func (ms MultiSink) Add(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range ms {
		if err := s.Add(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
