// Package metadata defines the MetadataStore interface used for cluster
// coordination: node registration, planet-to-node assignment and, when the
// presence layer is configured for it, the mirrored presence sets.
//
// The production implementation lives in the oxia subpackage. MockStore is
// an in-process implementation used by tests and single-node deployments.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrVersionMismatch means a conditional write lost: the key moved past
	// the expected version, or already exists for a create-only write.
	ErrVersionMismatch = errors.New("metadata: version mismatch")
	ErrStoreClosed     = errors.New("metadata: store closed")
)

// Version counts writes to a key. 0 is a key that was never written.
type Version int64

// KV is one listed entry.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is what Get found. A missing key has Exists false.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put a compare-and-set. Version 0 means the key
// must not exist yet.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion is for store implementations.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
}

// WithEphemeralExpectNotExists makes PutEphemeral fail with
// ErrVersionMismatch if the key already exists. Nodes use it to refuse a
// duplicate name while the previous holder's session is still alive.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// ExtractEphemeralOptions is for store implementations.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists
}

// MetadataStore is the shared key space every node reads and writes. Keys
// are built by the keys subpackage.
type MetadataStore interface {
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value and returns the new version. With
	// WithExpectedVersion it fails with ErrVersionMismatch on conflict.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List scans [startKey, endKey) in key order. An empty endKey scans the
	// startKey prefix; limit <= 0 means no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// PutEphemeral writes a key owned by this client's session. It vanishes
	// when the session expires, so a crashed node drops out on its own.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	Close() error
}
