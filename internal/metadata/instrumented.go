package metadata

import (
	"context"
	"time"
)

// Operation labels passed to MetricsRecorder.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpPutEphemeral = "put_ephemeral"
)

// MetricsRecorder records metadata operation latencies. It keeps this
// package decoupled from the metrics package.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a MetadataStore and records metrics for each operation.
type InstrumentedStore struct {
	store   MetadataStore
	metrics MetricsRecorder
}

// NewInstrumentedStore creates an instrumented wrapper around a MetadataStore.
// If metrics is nil, operations pass straight through.
func NewInstrumentedStore(store MetadataStore, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.record(OpGet, start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.record(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.record(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	result, err := s.store.List(ctx, startKey, endKey, limit)
	s.record(OpList, start, err)
	return result, err
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	start := time.Now()
	v, err := s.store.PutEphemeral(ctx, key, value, opts...)
	s.record(OpPutEphemeral, start, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
