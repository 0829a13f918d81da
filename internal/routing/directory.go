package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/session"
)

// ErrResolution is returned when the coordinator could not name a node.
var ErrResolution = errors.New("routing: node resolution failed")

// Session is the part of a node session the directory hands out.
type Session interface {
	Name() string
	IsReady() bool
	Initialize(ctx context.Context) error
	WaitUntilReadyThen(ctx context.Context, op func(ctx context.Context) error) error
	Invoke(ctx context.Context, method string, out any, args ...any) error
	Join(ctx context.Context, sub session.Subscription) error
	Leave(ctx context.Context, sub session.Subscription) error
	Close() error
}

var _ Session = (*session.Session)(nil)

// SessionFactory builds an uninitialized session to the named node.
type SessionFactory func(name string, isPrimary bool) Session

// WebsocketSessionFactory returns a factory whose sessions dial baseURL
// with X-Server-Select set to the node name. tmpl supplies everything but
// the name, role and transport.
func WebsocketSessionFactory(baseURL string, tmpl session.Options, topts ...session.TransportOption) SessionFactory {
	return func(name string, isPrimary bool) Session {
		opts := tmpl
		opts.Name = name
		opts.IsPrimary = isPrimary
		opts.Transport = session.NewWebsocketTransport(baseURL, name, topts...)
		return session.New(opts)
	}
}

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	Coordinator CoordinatorClient
	Factory     SessionFactory

	// CacheSize bounds the planet route cache. Default 4096.
	CacheSize int

	// PrimaryRetry is the delay between attempts to find the primary node.
	// Default 3s.
	PrimaryRetry time.Duration

	Logger *logging.Logger
}

// Directory maps planets to node sessions on the client side. Routes are
// cached until Forget is called; sessions live until Close.
type Directory struct {
	coord   CoordinatorClient
	factory SessionFactory
	retry   time.Duration
	logger  *logging.Logger

	routes   *lru.Cache[int64, string]
	inflight singleflight.Group

	mu       sync.Mutex
	sessions map[string]Session
	primary  Session
	closed   bool
}

// NewDirectory creates a directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Coordinator == nil || cfg.Factory == nil {
		return nil, errors.New("routing: directory needs a coordinator and a session factory")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.PrimaryRetry <= 0 {
		cfg.PrimaryRetry = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	routes, err := lru.New[int64, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create route cache: %w", err)
	}
	return &Directory{
		coord:    cfg.Coordinator,
		factory:  cfg.Factory,
		retry:    cfg.PrimaryRetry,
		logger:   cfg.Logger,
		routes:   routes,
		sessions: make(map[string]Session),
	}, nil
}

// ResolveNodeForCommunity returns the session to the node hosting the
// planet, creating and initializing it on first use. A cached route is
// trusted without asking the coordinator.
func (d *Directory) ResolveNodeForCommunity(ctx context.Context, planetID int64) (Session, error) {
	if name, ok := d.routes.Get(planetID); ok {
		return d.sessionFor(ctx, name, false)
	}

	v, err, _ := d.inflight.Do(strconv.FormatInt(planetID, 10), func() (any, error) {
		if name, ok := d.routes.Get(planetID); ok {
			return name, nil
		}
		name, err := d.coord.NodeForPlanet(ctx, planetID)
		if err != nil {
			return "", err
		}
		d.routes.Add(planetID, name)
		return name, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: planet %d: %w", ErrResolution, planetID, err)
	}
	return d.sessionFor(ctx, v.(string), false)
}

// sessionFor returns the session to name, creating it if needed. Only the
// caller that creates a session initializes it. A session whose first
// connection failed is kept, since it keeps reconnecting on its own.
func (d *Directory) sessionFor(ctx context.Context, name string, isPrimary bool) (Session, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, session.ErrClosed
	}
	if s, ok := d.sessions[name]; ok {
		d.mu.Unlock()
		return s, nil
	}
	s := d.factory(name, isPrimary)
	d.sessions[name] = s
	if isPrimary {
		d.primary = s
	}
	d.mu.Unlock()

	d.logger.Infof("opening node session", map[string]any{
		"node":    name,
		"primary": isPrimary,
	})
	if err := s.Initialize(ctx); err != nil {
		return s, fmt.Errorf("initialize session to %s: %w", name, err)
	}
	return s, nil
}

// GetByName returns the open session to the named node, if any.
func (d *Directory) GetByName(name string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[name]
	return s, ok
}

// Forget drops the cached route for a planet so the next resolution asks
// the coordinator again. Callers use it after a misdirect or access error.
func (d *Directory) Forget(planetID int64) {
	d.routes.Remove(planetID)
}

// Primary returns the primary session, asking the coordinator for the
// primary node name until it answers or ctx ends. Later planet lookups are
// pinned to that node when the coordinator supports it. Call it before resolving
// planets; a node that already has a session keeps that session.
func (d *Directory) Primary(ctx context.Context) (Session, error) {
	d.mu.Lock()
	if p := d.primary; p != nil {
		d.mu.Unlock()
		return p, nil
	}
	d.mu.Unlock()

	v, err, _ := d.inflight.Do("primary", func() (any, error) {
		for {
			name, err := d.coord.PrimaryNodeName(ctx)
			if err == nil {
				return name, nil
			}
			d.logger.Warnf("failed to find primary node, retrying", map[string]any{
				"error": err.Error(),
				"retry": d.retry.String(),
			})
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.retry):
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: primary node: %w", ErrResolution, err)
	}
	name := v.(string)
	if p, ok := d.coord.(primaryPinner); ok {
		p.PinPrimary(name)
	}
	return d.sessionFor(ctx, name, true)
}

// Sessions returns the open sessions sorted by node name.
func (d *Directory) Sessions() []Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close closes every session. The directory cannot be used afterwards.
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := d.sessions
	d.sessions = make(map[string]Session)
	d.primary = nil
	d.mu.Unlock()

	var err error
	for name, s := range sessions {
		if cerr := s.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", name, cerr))
		}
	}
	d.routes.Purge()
	return err
}
