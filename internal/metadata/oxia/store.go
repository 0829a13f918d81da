package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/orbitchat/orbit/internal/metadata"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace scopes every key (e.g., "orbit").
	Namespace string

	// RequestTimeout bounds individual requests. Zero keeps the client default.
	RequestTimeout time.Duration

	// SessionTimeout controls how long ephemeral keys outlive a silent
	// client. Node registrations vanish this long after a crash.
	SessionTimeout time.Duration
}

// Store implements MetadataStore using Oxia.
type Store struct {
	client oxiaclient.SyncClient

	mu     sync.RWMutex
	closed bool
}

// New creates a new Oxia metadata store.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}
	return &Store{client: client}, nil
}

// Oxia versions start at 0; ours start at 1 so that 0 can mean "absent".
func toMetadataVersion(v int64) metadata.Version { return metadata.Version(v + 1) }
func toOxiaVersion(v metadata.Version) int64     { return int64(v - 1) }

func (s *Store) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.open(); err != nil {
		return metadata.GetResult{}, err
	}

	_, value, version, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{}, nil
		}
		return metadata.GetResult{}, fmt.Errorf("oxia: get failed: %w", err)
	}
	return metadata.GetResult{
		Value:   value,
		Version: toMetadataVersion(version.VersionId),
		Exists:  true,
	}, nil
}

// Put stores a value with optional compare-and-set.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.open(); err != nil {
		return 0, err
	}

	var oxiaOpts []oxiaclient.PutOption
	if expected := metadata.ExtractExpectedVersion(opts); expected != nil {
		if *expected == 0 {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put failed: %w", err)
	}
	return toMetadataVersion(version.VersionId), nil
}

// Delete removes a key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.open(); err != nil {
		return err
	}

	if err := s.client.Delete(ctx, key); err != nil && !errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return fmt.Errorf("oxia: delete failed: %w", err)
	}
	return nil
}

// List returns keys in [startKey, endKey) in lexicographic order.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	// Oxia sorts '/' specially: a trailing-slash prefix scans its direct
	// children with a double-slash end key.
	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	results := s.client.RangeScan(ctx, startKey, endKey)

	var kvs []metadata.KV
	for result := range results {
		if result.Err != nil {
			go drainRangeScan(results)
			return nil, fmt.Errorf("oxia: list failed: %w", result.Err)
		}
		kvs = append(kvs, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toMetadataVersion(result.Version.VersionId),
		})
		if limit > 0 && len(kvs) >= limit {
			go drainRangeScan(results)
			break
		}
	}
	return kvs, nil
}

// PutEphemeral stores a value bound to this client's session.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.open(); err != nil {
		return 0, err
	}

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	if metadata.ExtractEphemeralOptions(opts) {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put ephemeral failed: %w", err)
	}
	return toMetadataVersion(version.VersionId), nil
}

// Close releases the client. Ephemeral keys expire after the session timeout.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ metadata.MetadataStore = (*Store)(nil)
