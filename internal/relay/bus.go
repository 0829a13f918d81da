package relay

import (
	"context"
	"sync"
)

// ChannelPrefix prefixes the per-node bus channel name.
const ChannelPrefix = "node-relay-"

// ChannelName returns the bus channel a node listens on.
func ChannelName(node string) string { return ChannelPrefix + node }

// Bus carries user events between nodes.
type Bus interface {
	// Publish sends data to the named node.
	Publish(ctx context.Context, node string, data []byte) error

	// Subscribe delivers messages sent to node to handler until ctx is
	// done or the bus is closed. It returns once the subscription is live.
	Subscribe(ctx context.Context, node string, handler func([]byte)) error

	Close() error
}

// LocalBus connects nodes inside one process. It backs single-node
// deployments and tests.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func([]byte)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[uint64]func([]byte))}
}

// Publish calls the node's handlers synchronously. Messages to nodes
// without subscribers are discarded, as with Redis pub/sub.
func (b *LocalBus) Publish(_ context.Context, node string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[node]))
	for _, h := range b.subs[node] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, node string, handler func([]byte)) error {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[node] == nil {
		b.subs[node] = make(map[uint64]func([]byte))
	}
	b.subs[node][id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[node], id)
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[uint64]func([]byte))
	return nil
}
