package server

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/orbitchat/orbit/internal/metadata"
	"github.com/orbitchat/orbit/internal/metadata/keys"
)

// MetadataStoreChecker implements ReadinessChecker for the metadata store.
// It performs a Get on a key that is never written.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a new MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

// Name returns the name of this component for health status display.
func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

// CheckReady verifies the metadata store answers reads.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.HealthCheckKey)
	return err
}

// Pinger is implemented by the presence set stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PresenceChecker implements ReadinessChecker for the presence store.
type PresenceChecker struct {
	store Pinger
}

// NewPresenceChecker creates a new PresenceChecker.
func NewPresenceChecker(store Pinger) *PresenceChecker {
	return &PresenceChecker{store: store}
}

// Name returns the name of this component for health status display.
func (c *PresenceChecker) Name() string {
	return "presence_store"
}

// CheckReady pings the presence store.
func (c *PresenceChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("presence store not configured")
	}
	return c.store.Ping(ctx)
}

// SweepChecker reports not ready until the startup presence sweep has
// finished. A node must not take traffic before its stale entries are gone.
type SweepChecker struct {
	done atomic.Bool
}

// NewSweepChecker creates a SweepChecker in the pending state.
func NewSweepChecker() *SweepChecker {
	return &SweepChecker{}
}

// Name returns the name of this component for health status display.
func (c *SweepChecker) Name() string {
	return "presence_sweep"
}

// MarkDone records a completed sweep.
func (c *SweepChecker) MarkDone() {
	c.done.Store(true)
}

// CheckReady fails while the sweep is pending.
func (c *SweepChecker) CheckReady(context.Context) error {
	if !c.done.Load() {
		return errors.New("startup presence sweep pending")
	}
	return nil
}

// FuncChecker is a simple ReadinessChecker that wraps a function.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the name of this component.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
