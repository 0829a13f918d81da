package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/orbitchat/orbit/internal/logging"
)

// KafkaBusConfig configures a KafkaBus.
type KafkaBusConfig struct {
	Brokers []string

	// TopicPrefix is prepended to the node name. Default
	// "orbit.node-relay.".
	TopicPrefix string

	// ReplicationFactor for created topics; -1 uses the broker default.
	ReplicationFactor int16

	Logger *logging.Logger
}

// KafkaBus gives every node a single-partition topic. Consumers start at
// the end of the topic, so like Redis pub/sub a node only sees events
// published while it is subscribed.
type KafkaBus struct {
	cfg      KafkaBusConfig
	producer *kgo.Client
	logger   *logging.Logger

	mu        sync.Mutex
	consumers map[*kgo.Client]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewKafkaBus connects a producer to the brokers.
func NewKafkaBus(cfg KafkaBusConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("relay: kafka bus needs at least one broker")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "orbit.node-relay."
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = -1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaBus{
		cfg:       cfg,
		producer:  producer,
		logger:    cfg.Logger,
		consumers: make(map[*kgo.Client]struct{}),
	}, nil
}

// Topic returns the topic a node listens on.
func (b *KafkaBus) Topic(node string) string { return b.cfg.TopicPrefix + node }

// EnsureTopic creates the node's topic if it does not exist.
func (b *KafkaBus) EnsureTopic(ctx context.Context, node string) error {
	topic := b.Topic(node)
	resp, err := kadm.NewClient(b.producer).CreateTopics(ctx, 1, b.cfg.ReplicationFactor, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (b *KafkaBus) Publish(ctx context.Context, node string, data []byte) error {
	rec := &kgo.Record{Topic: b.Topic(node), Value: data}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, node string, handler func([]byte)) error {
	if err := b.EnsureTopic(ctx, node); err != nil {
		return err
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ConsumeTopics(b.Topic(node)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		consumer.Close()
		return errors.New("relay: bus closed")
	}
	b.consumers[consumer] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.release(consumer)
		for {
			fetches := consumer.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				b.logger.Warnf("node bus fetch error", map[string]any{
					"topic":     topic,
					"partition": partition,
					"error":     err.Error(),
				})
			})
			fetches.EachRecord(func(r *kgo.Record) {
				handler(r.Value)
			})
		}
	}()

	b.logger.Infof("subscribed to node bus", map[string]any{
		"topic":   b.Topic(node),
		"backend": "kafka",
	})
	return nil
}

func (b *KafkaBus) release(c *kgo.Client) {
	b.mu.Lock()
	_, ok := b.consumers[c]
	delete(b.consumers, c)
	b.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close stops all consumers and the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = make(map[*kgo.Client]struct{})
	b.mu.Unlock()

	for c := range consumers {
		c.Close()
	}
	b.wg.Wait()
	b.producer.Close()
	return nil
}
