package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/orbitchat/orbit/internal/config"
	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/hub"
	"github.com/orbitchat/orbit/internal/identity"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metadata"
	"github.com/orbitchat/orbit/internal/metadata/oxia"
	"github.com/orbitchat/orbit/internal/metrics"
	"github.com/orbitchat/orbit/internal/presence"
	"github.com/orbitchat/orbit/internal/relay"
	"github.com/orbitchat/orbit/internal/routing"
	"github.com/orbitchat/orbit/internal/server"
)

const watchingLoop = "watching-broadcast"

// NodeOptions contains the configuration for creating a node.
type NodeOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string
	BuildTime string

	// Catalog decides which planet ids exist. Defaults to routing.AllPlanets.
	Catalog routing.PlanetCatalog

	// Verifier overrides the JWT verifier built from the auth config.
	Verifier identity.Verifier

	// MetadataStore replaces the configured metadata backend. The caller
	// keeps ownership and closes it.
	MetadataStore metadata.MetadataStore
}

// Node is a running Orbit node: the hub, its relay and the routing state it
// publishes to the cluster.
type Node struct {
	opts   NodeOptions
	logger *logging.Logger

	metaStore metadata.MetadataStore
	ownsStore bool
	redis     redis.UniversalClient
	tracker   *presence.Tracker
	bus       relay.Bus
	registry  *groups.Registry
	hub       *hub.Hub
	relay     *relay.Relay
	users     *relay.UserRelay
	nodes     *routing.NodeRegistry
	assigner  *routing.PlanetAssigner
	server    *server.Server
	health    *server.HealthServer
	sweep     *server.SweepChecker

	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewNode creates a node but does not start it.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Config.Node.Name == "" {
		return nil, errors.New("node name is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Catalog == nil {
		opts.Catalog = routing.AllPlanets{}
	}
	if opts.Verifier == nil {
		if opts.Config.Auth.JWTSecret == "" {
			return nil, errors.New("auth.jwtSecret is required")
		}
		opts.Verifier = identity.NewJWTVerifier(opts.Config.Auth.JWTSecret, opts.Config.Auth.Issuer)
	}
	return &Node{
		opts:   opts,
		logger: opts.Logger.WithNode(opts.Config.Node.Name),
		sweep:  server.NewSweepChecker(),
	}, nil
}

// Start builds every component, claims the node name, sweeps stale presence
// and serves until Shutdown. Any setup failure is returned before the node
// accepts connections.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	cfg := n.opts.Config
	name := cfg.Node.Name

	n.logger.Infof("starting node", map[string]any{
		"listenAddr": cfg.Node.ListenAddr,
		"metadata":   cfg.Metadata.Backend,
		"presence":   cfg.Presence.Backend,
		"bus":        cfg.Relay.Bus,
		"version":    n.opts.Version,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := n.openStores(ctx, reg); err != nil {
		return err
	}

	n.health = server.NewHealthServer(cfg.Observability.HealthAddr, n.logger)
	n.health.RegisterHandler("/metrics", metrics.Handler(reg))
	n.health.RegisterReadinessCheck(server.NewMetadataStoreChecker(n.metaStore))
	if p, ok := n.tracker.Store().(server.Pinger); ok {
		n.health.RegisterReadinessCheck(server.NewPresenceChecker(p))
	}
	n.health.RegisterReadinessCheck(n.sweep)
	if err := n.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	n.registry = groups.NewRegistry()
	n.nodes = routing.NewNodeRegistry(n.metaStore, routing.NodeRegistryConfig{
		Name: name,
		BuildInfo: routing.BuildInfo{
			Version:   n.opts.Version,
			GitCommit: n.opts.GitCommit,
			BuildTime: n.opts.BuildTime,
		},
		Logger: n.logger,
	})
	n.assigner = routing.NewPlanetAssigner(n.metaStore, n.nodes, n.opts.Catalog, n.logger)

	h, err := hub.New(hub.Config{
		Node:        name,
		Registry:    n.registry,
		Verifier:    n.opts.Verifier,
		Presence:    n.tracker,
		Planets:     n.assigner,
		SendBuffer:  cfg.Hub.SendBuffer,
		RateLimit:   cfg.Hub.RateLimit,
		RateBurst:   cfg.Hub.RateBurst,
		ReadTimeout: time.Duration(cfg.Hub.ReadTimeoutMs) * time.Millisecond,
		Logger:      n.logger,
		Metrics:     metrics.NewHubMetricsWithRegistry(reg),
	})
	if err != nil {
		return err
	}
	n.hub = h

	relayMetrics := metrics.NewRelayMetricsWithRegistry(reg)
	n.relay = relay.New(n.registry, n.hub, relay.Config{
		Workers:   cfg.Relay.Workers,
		QueueSize: cfg.Relay.QueueSize,
		Logger:    n.logger,
		Metrics:   relayMetrics,
	})
	if n.bus, err = n.openBus(); err != nil {
		return err
	}
	n.users = relay.NewUserRelay(name, n.relay, n.tracker, n.bus, n.logger, relayMetrics)

	srv, err := server.New(server.Config{
		Node:        name,
		Version:     n.opts.Version,
		Hub:         n.hub,
		Connections: n.hub.ConnectionCount,
		Registry:    n.registry,
		Planets:     n.assigner,
		TLS:         server.TLSConfig{CertFile: cfg.Node.TLSCertFile, KeyFile: cfg.Node.TLSKeyFile},
		Logger:      n.logger,
	})
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.server = srv
	n.mu.Unlock()
	ln, err := srv.Listen(cfg.Node.ListenAddr)
	if err != nil {
		return err
	}

	// A duplicate name must fail before it touches the live node's entries.
	// Nothing is served until the sweep is done, so every entry it sees is
	// left over from a previous run.
	n.nodes.SetAdvertisedURL(advertisedURL(cfg, ln.Addr()))
	if err := n.nodes.Register(ctx); err != nil {
		ln.Close()
		return err
	}
	if _, err := n.tracker.SweepOwnStaleEntries(ctx, name); err != nil {
		ln.Close()
		_ = n.nodes.Deregister(context.WithoutCancel(ctx))
		return fmt.Errorf("startup presence sweep: %w", err)
	}
	n.sweep.MarkDone()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	if err := n.users.Listen(loopCtx); err != nil {
		ln.Close()
		return fmt.Errorf("node bus subscribe: %w", err)
	}
	n.startWatchingLoop(loopCtx, time.Duration(cfg.Hub.WatchingIntervalMs)*time.Millisecond)

	return srv.Serve(ln)
}

func (n *Node) openStores(ctx context.Context, reg prometheus.Registerer) error {
	cfg := n.opts.Config

	store := n.opts.MetadataStore
	switch {
	case store != nil:
	case cfg.Metadata.Backend == "oxia":
		s, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      cfg.Metadata.Namespace,
			SessionTimeout: time.Duration(cfg.Metadata.SessionTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to oxia: %w", err)
		}
		store = s
		n.ownsStore = true
	default:
		store = metadata.NewMockStore()
		n.ownsStore = true
	}
	n.metaStore = metadata.NewInstrumentedStore(store, metrics.NewMetadataMetricsWithRegistry(reg))

	var sets presence.SetStore
	switch cfg.Presence.Backend {
	case "metadata":
		sets = presence.NewMetadataSetStore(n.metaStore)
	default:
		sets = presence.NewRedisStore(n.redisClient())
	}
	n.tracker = presence.NewTracker(sets,
		presence.WithLogger(n.logger),
		presence.WithMetrics(metrics.NewPresenceMetricsWithRegistry(reg)),
	)
	return nil
}

func (n *Node) redisClient() redis.UniversalClient {
	if n.redis == nil {
		cfg := n.opts.Config.Presence
		n.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return n.redis
}

func (n *Node) openBus() (relay.Bus, error) {
	cfg := n.opts.Config.Relay
	switch cfg.Bus {
	case "redis":
		return relay.NewRedisBus(n.redisClient(), n.logger), nil
	case "kafka":
		return relay.NewKafkaBus(relay.KafkaBusConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Logger:      n.logger,
		})
	default:
		return relay.NewLocalBus(), nil
	}
}

func (n *Node) startWatchingLoop(ctx context.Context, every time.Duration) {
	n.health.RegisterGoroutine(watchingLoop)
	n.loops.Add(1)
	go func() {
		defer n.loops.Done()
		defer n.health.UnregisterGoroutine(watchingLoop)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.relay.BroadcastWatching()
				n.health.UpdateGoroutine(watchingLoop)
			}
		}
	}()
}

// advertisedURL is the configured URL, or one built from the bound address
// and the hostname when the listener uses a wildcard host.
func advertisedURL(cfg *config.Config, addr net.Addr) string {
	if cfg.Node.AdvertisedURL != "" {
		return cfg.Node.AdvertisedURL
	}
	scheme := "http"
	if cfg.Node.TLSCertFile != "" {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if hn, err := os.Hostname(); err == nil {
			host = hn
		}
	}
	return (&url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)}).String()
}

// Addr returns the node listener address once serving.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	srv := n.server
	n.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Addr()
}

// Shutdown stops accepting connections, closes live ones so their presence
// is removed, then releases the stores. It is safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	cancel, srv := n.cancel, n.server
	n.mu.Unlock()

	n.logger.Info("shutting down node")

	if n.health != nil {
		n.health.SetShuttingDown()
	}

	var errs error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node server: %w", err))
		}
	}
	// Closing the hub runs every connection's disconnect path, which
	// unregisters primary presence.
	if n.hub != nil {
		n.hub.Close()
	}
	if cancel != nil {
		cancel()
	}
	n.loops.Wait()
	if n.relay != nil {
		n.relay.Close()
	}
	if n.bus != nil {
		errs = multierr.Append(errs, n.bus.Close())
	}
	if n.nodes != nil && n.nodes.IsRegistered() {
		if err := n.nodes.Deregister(ctx); err != nil {
			n.logger.Warnf("failed to deregister node", map[string]any{"error": err.Error()})
		}
	}
	if n.redis != nil {
		errs = multierr.Append(errs, n.redis.Close())
	}
	if n.metaStore != nil && n.ownsStore {
		errs = multierr.Append(errs, n.metaStore.Close())
	}
	if n.health != nil {
		errs = multierr.Append(errs, n.health.Close())
	}

	n.logger.Info("node shutdown complete")
	return errs
}
