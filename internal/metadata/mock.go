package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore implements MetadataStore in memory.
// It is exported so that tests in other packages can use it, and it backs
// the "memory" metadata backend of a single-node deployment.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]struct{}
	closed    bool
	nextVer   Version
	fail      func(op, key string) error
}

// NewMockStore creates a new, empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]struct{}),
		nextVer:   1,
	}
}

// FailWith installs a hook consulted before every operation. A non-nil
// return value is returned to the caller and the operation is skipped.
// Pass nil to clear.
func (m *MockStore) FailWith(fn func(op, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *MockStore) check(op, key string) error {
	if m.closed {
		return ErrStoreClosed
	}
	if m.fail != nil {
		return m.fail(op, key)
	}
	return nil
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("get", key); err != nil {
		return GetResult{}, err
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("put", key); err != nil {
		return 0, err
	}
	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok && *expected != 0 {
			return 0, ErrVersionMismatch
		}
		if ok && existing.Version != *expected {
			return 0, ErrVersionMismatch
		}
	}
	delete(m.ephemeral, key)
	return m.store(key, value), nil
}

func (m *MockStore) store(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: value, Version: ver}
	return ver
}

func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("delete", key); err != nil {
		return err
	}
	delete(m.data, key)
	delete(m.ephemeral, key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("list", startKey); err != nil {
		return nil, err
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("put_ephemeral", key); err != nil {
		return 0, err
	}
	if ExtractEphemeralOptions(opts) {
		if _, ok := m.data[key]; ok {
			return 0, ErrVersionMismatch
		}
	}
	m.ephemeral[key] = struct{}{}
	return m.store(key, value), nil
}

// ExpireSession deletes every ephemeral key, as if the owning client
// session had timed out.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.ephemeral {
		delete(m.data, k)
	}
	m.ephemeral = make(map[string]struct{})
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
