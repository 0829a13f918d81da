package relay

import (
	"hash/fnv"
	"sync"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
	"github.com/orbitchat/orbit/internal/wire"
)

// Drop reasons reported to metrics.
const (
	DropQueueFull  = "queue_full"
	DropBufferFull = "send_buffer_full"
	DropClosed     = "closed"
	DropEncode     = "encode"
)

// Sender delivers an encoded frame to one connection. Send must not block;
// it returns false when the frame was not accepted.
type Sender interface {
	Send(connID string, frame []byte) bool
}

// Config configures a Relay.
type Config struct {
	// Workers is the number of delivery goroutines. Default 8.
	Workers int

	// QueueSize is the per-worker queue length. Default 4096.
	QueueSize int

	Logger  *logging.Logger
	Metrics *metrics.RelayMetrics
}

type job struct {
	key    groups.Key
	method string
	frame  []byte
}

// Relay delivers events to the local members of a group.
type Relay struct {
	registry *groups.Registry
	sender   Sender
	logger   *logging.Logger
	metrics  *metrics.RelayMetrics

	queues []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a relay delivering through sender to the members listed in
// registry.
func New(registry *groups.Registry, sender Sender, cfg Config) *Relay {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	r := &Relay{
		registry: registry,
		sender:   sender,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		queues:   make([]chan job, cfg.Workers),
	}
	for i := range r.queues {
		q := make(chan job, cfg.QueueSize)
		r.queues[i] = q
		r.wg.Add(1)
		go r.worker(q)
	}
	return r
}

// Publish queues method(args...) for every connection in group. It never
// blocks and never fails; events that cannot be queued are dropped.
func (r *Relay) Publish(group groups.Key, method string, args ...any) {
	f, err := wire.NewEvent(method, args...)
	var data []byte
	if err == nil {
		data, err = wire.Encode(f)
	}
	if err != nil {
		r.drop(DropEncode)
		r.logger.Errorf("failed to encode event", map[string]any{
			"group":  string(group),
			"method": method,
			"error":  err.Error(),
		})
		return
	}
	r.enqueue(job{key: group, method: method, frame: data})
}

func (r *Relay) enqueue(j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(DropClosed)
		return
	}
	select {
	case r.queues[shard(j.key, len(r.queues))] <- j:
		if r.metrics != nil {
			r.metrics.RecordPublished(kindLabel(j.key))
		}
	default:
		r.drop(DropQueueFull)
		r.logger.Warnf("relay queue full, event dropped", map[string]any{
			"group":  string(j.key),
			"method": j.method,
		})
	}
}

func kindLabel(k groups.Key) string {
	if kind := k.Kind(); kind != 0 {
		return kind.String()
	}
	return "invalid"
}

func shard(key groups.Key, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Relay) worker(q <-chan job) {
	defer r.wg.Done()
	for j := range q {
		r.deliver(j)
	}
}

func (r *Relay) deliver(j job) {
	conns := r.registry.ConnectionsOf(j.key)
	delivered := 0
	for _, c := range conns {
		if r.sender.Send(c, j.frame) {
			delivered++
			continue
		}
		r.drop(DropBufferFull)
		r.logger.Debugf("connection buffer full, event dropped", map[string]any{
			"group":        string(j.key),
			"method":       j.method,
			"connectionId": c,
		})
	}
	if r.metrics != nil && delivered > 0 {
		r.metrics.RecordDelivered(delivered)
	}
}

func (r *Relay) drop(reason string) {
	if r.metrics != nil {
		r.metrics.RecordDropped(reason)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
