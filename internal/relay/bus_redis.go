package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/orbitchat/orbit/internal/logging"
)

// RedisBus uses Redis pub/sub channels named node-relay-<node>.
type RedisBus struct {
	client redis.UniversalClient
	logger *logging.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRedisBus creates a bus on client. The client stays owned by the
// caller.
func NewRedisBus(client redis.UniversalClient, logger *logging.Logger) *RedisBus {
	if logger == nil {
		logger = logging.Global()
	}
	return &RedisBus{client: client, logger: logger, subs: make(map[*redis.PubSub]struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, node string, data []byte) error {
	if err := b.client.Publish(ctx, ChannelName(node), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, node string, handler func([]byte)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("relay: bus closed")
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, ChannelName(node))
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ps.Close()
		return errors.New("relay: bus closed")
	}
	b.subs[ps] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer b.wg.Done()
		defer b.release(ps)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	b.logger.Infof("subscribed to node bus", map[string]any{
		"channel": ChannelName(node),
		"backend": "redis",
	})
	return nil
}

func (b *RedisBus) release(ps *redis.PubSub) {
	b.mu.Lock()
	_, ok := b.subs[ps]
	delete(b.subs, ps)
	b.mu.Unlock()
	if ok {
		ps.Close()
	}
}

// Close ends all subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	var err error
	for ps := range subs {
		err = multierr.Append(err, ps.Close())
	}
	b.wg.Wait()
	return err
}
