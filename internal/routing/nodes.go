package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metadata"
	"github.com/orbitchat/orbit/internal/metadata/keys"
)

// ErrNodeNameTaken is returned by Register when another live process holds
// the node name.
var ErrNodeNameTaken = errors.New("routing: node name already registered")

// NodeInfo describes a registered node.
type NodeInfo struct {
	// Name is the unique node name clients send in X-Server-Select.
	Name string `json:"name"`

	// AdvertisedURL is the base URL of the node's HTTP listener.
	AdvertisedURL string `json:"advertisedUrl"`

	// StartedAt is the Unix timestamp (milliseconds) when the node started.
	StartedAt int64 `json:"startedAt"`

	BuildInfo BuildInfo `json:"buildInfo"`
}

// BuildInfo contains node version and build metadata.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

// NodeRegistryConfig configures the node registry.
type NodeRegistryConfig struct {
	// Name is this node's name.
	Name string

	// AdvertisedURL is published with the registration.
	AdvertisedURL string

	BuildInfo BuildInfo

	Logger *logging.Logger
}

// NodeRegistry manages node registration and discovery with ephemeral keys.
type NodeRegistry struct {
	store  metadata.MetadataStore
	config NodeRegistryConfig
	logger *logging.Logger

	mu         sync.RWMutex
	registered bool
	startedAt  int64
}

// NewNodeRegistry creates a registry for the node described by config.
func NewNodeRegistry(store metadata.MetadataStore, config NodeRegistryConfig) *NodeRegistry {
	logger := config.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &NodeRegistry{
		store:     store,
		config:    config,
		logger:    logger,
		startedAt: time.Now().UnixMilli(),
	}
}

// Register publishes this node. It fails with ErrNodeNameTaken while another
// process still holds the name.
func (r *NodeRegistry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(r.infoLocked())
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}

	key := keys.NodeKey(r.config.Name)
	if _, err := r.store.PutEphemeral(ctx, key, data, metadata.WithEphemeralExpectNotExists()); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return fmt.Errorf("%w: %s", ErrNodeNameTaken, r.config.Name)
		}
		return fmt.Errorf("failed to register node: %w", err)
	}

	r.registered = true
	r.logger.Infof("node registered", map[string]any{
		"node": r.config.Name,
		"url":  r.config.AdvertisedURL,
		"key":  key,
	})
	return nil
}

// Deregister removes the registration. Optional, since the key disappears
// with the session anyway.
func (r *NodeRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return nil
	}
	key := keys.NodeKey(r.config.Name)
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to deregister node: %w", err)
	}
	r.registered = false
	r.logger.Infof("node deregistered", map[string]any{"node": r.config.Name})
	return nil
}

// ListNodes returns all live nodes sorted by name.
func (r *NodeRegistry) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	kvs, err := r.store.List(ctx, keys.NodesPrefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]NodeInfo, 0, len(kvs))
	for _, kv := range kvs {
		var info NodeInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.logger.Warnf("failed to unmarshal node info", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		nodes = append(nodes, info)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// GetNode returns a node's registration.
func (r *NodeRegistry) GetNode(ctx context.Context, name string) (NodeInfo, bool, error) {
	res, err := r.store.Get(ctx, keys.NodeKey(name))
	if err != nil {
		return NodeInfo{}, false, fmt.Errorf("failed to get node: %w", err)
	}
	if !res.Exists {
		return NodeInfo{}, false, nil
	}
	var info NodeInfo
	if err := json.Unmarshal(res.Value, &info); err != nil {
		return NodeInfo{}, false, fmt.Errorf("failed to unmarshal node info: %w", err)
	}
	return info, true, nil
}

// IsAlive reports whether the named node is registered.
func (r *NodeRegistry) IsAlive(ctx context.Context, name string) (bool, error) {
	res, err := r.store.Get(ctx, keys.NodeKey(name))
	if err != nil {
		return false, fmt.Errorf("failed to check node: %w", err)
	}
	return res.Exists, nil
}

// IsRegistered reports whether this node is currently registered.
func (r *NodeRegistry) IsRegistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered
}

// SetAdvertisedURL replaces the URL published by the next Register. Use it
// when the URL is only known once the listener is bound.
func (r *NodeRegistry) SetAdvertisedURL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.AdvertisedURL = u
}

// Info returns this node's registration.
func (r *NodeRegistry) Info() NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infoLocked()
}

func (r *NodeRegistry) infoLocked() NodeInfo {
	return NodeInfo{
		Name:          r.config.Name,
		AdvertisedURL: r.config.AdvertisedURL,
		StartedAt:     r.startedAt,
		BuildInfo:     r.config.BuildInfo,
	}
}

// LocalName returns this node's name.
func (r *NodeRegistry) LocalName() string { return r.config.Name }
