// Package server serves a node's HTTP surface: the websocket hub, the
// coordinator endpoints clients use to find nodes, node statistics and the
// separate health/metrics listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/routing"
	"github.com/orbitchat/orbit/internal/wire"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Routes served besides the hub.
const (
	PathHandshake     = "/api/node/handshake"
	PathStats         = "/api/nodestats"
	PathStatsDetailed = "/api/nodestats/detailed"
)

// Planets answers planet placement questions for the coordinator endpoints.
type Planets interface {
	NodeForPlanet(ctx context.Context, planetID int64) (string, error)
	HostedPlanets(ctx context.Context, node string) ([]int64, error)
}

// Config holds everything the node server needs.
type Config struct {
	Node    string
	Version string

	// Hub serves the websocket endpoint.
	Hub http.Handler

	// Connections reports the number of live hub connections.
	Connections func() int

	Registry *groups.Registry
	Planets  Planets
	TLS      TLSConfig
	Logger   *logging.Logger
}

// Handshake is the body of GET /api/node/handshake.
type Handshake struct {
	Version   string  `json:"version"`
	PlanetIDs []int64 `json:"planetIds"`
}

// NodeStats is the body of GET /api/nodestats.
type NodeStats struct {
	Node string `json:"node"`
	// Connections counts live hub connections, grouped or not.
	Connections int `json:"connections"`
	Groups      int `json:"groups"`
	// GroupedConnections counts connections that are in at least one group.
	GroupedConnections int `json:"groupedConnections"`
	Users              int `json:"users"`
}

// DetailedStats is the body of GET /api/nodestats/detailed.
type DetailedStats struct {
	NodeStats
	GroupList []groups.GroupInfo `json:"groupList"`
}

// Server is the node's public HTTP server.
type Server struct {
	cfg    Config
	logger *logging.Logger
	router chi.Router

	mu       sync.Mutex
	http     *http.Server
	ln       net.Listener
	reloader *CertReloader
	cancel   context.CancelFunc
	closed   bool
}

// New builds the router. Nothing listens until ListenAndServe or Serve.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Node == "":
		return nil, errors.New("server: node name is required")
	case cfg.Hub == nil:
		return nil, errors.New("server: hub is required")
	case cfg.Registry == nil:
		return nil, errors.New("server: registry is required")
	case cfg.Planets == nil:
		return nil, errors.New("server: planets are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	if cfg.Connections == nil {
		cfg.Connections = func() int { return 0 }
	}

	s := &Server{cfg: cfg, logger: cfg.Logger.WithNode(cfg.Node)}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Handle(wire.HubPath, s.cfg.Hub)
	r.Get(routing.PathNodeName, s.handleName)
	r.Get(PathHandshake, s.handleHandshake)
	r.Get(routing.PathPlanetNode+"{planetID}", s.handlePlanetNode)
	r.Get(PathStats, s.handleStats)
	r.Get(PathStatsDetailed, s.handleStatsDetailed)
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Errorf("handler panic", map[string]any{
					"path":  r.URL.Path,
					"panic": rec,
				})
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleName answers with this node's name. Behind a load balancer this is
// how a client picks its primary node.
func (s *Server) handleName(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, s.cfg.Node)
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Planets.HostedPlanets(r.Context(), s.cfg.Node)
	if err != nil {
		s.logger.Warnf("listing hosted planets failed", map[string]any{"error": err.Error()})
		writeText(w, http.StatusServiceUnavailable, "planet assignments unavailable")
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, Handshake{Version: s.cfg.Version, PlanetIDs: ids})
}

func (s *Server) handlePlanetNode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "planetID"), 10, 64)
	if err != nil || id <= 0 {
		writeText(w, http.StatusBadRequest, "invalid planet id")
		return
	}

	node, err := s.cfg.Planets.NodeForPlanet(r.Context(), id)
	switch {
	case err == nil:
		writeText(w, http.StatusOK, node)
	case errors.Is(err, routing.ErrPlanetNotFound):
		writeText(w, http.StatusNotFound, "planet not found")
	default:
		s.logger.Warnf("planet resolution failed", map[string]any{
			"planetId": id,
			"error":    err.Error(),
		})
		writeText(w, http.StatusServiceUnavailable, "planet resolution unavailable")
	}
}

func (s *Server) stats() NodeStats {
	st := s.cfg.Registry.Stats()
	return NodeStats{
		Node:               s.cfg.Node,
		Connections:        s.cfg.Connections(),
		Groups:             st.Groups,
		GroupedConnections: st.Connections,
		Users:              st.Users,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.stats())
}

func (s *Server) handleStatsDetailed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, DetailedStats{NodeStats: s.stats(), GroupList: s.cfg.Registry.Snapshot()})
}

// Listen opens the node listener, wrapped in TLS when configured. Serve the
// returned listener with Serve; the certificate watcher runs while it does.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, reloader, err := Listen(addr, s.cfg.TLS, s.logger)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.reloader = reloader
	s.mu.Unlock()
	return ln, nil
}

// ListenAndServe opens the listener and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns ErrServerClosed after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return ErrServerClosed
	}
	s.http, s.ln, s.cancel = srv, ln, cancel
	reloader := s.reloader
	s.mu.Unlock()

	if reloader != nil {
		go reloader.Watch(ctx, DefaultCertCheckInterval)
	}

	s.logger.Infof("node server listening", map[string]any{
		"addr": ln.Addr().String(),
		"tls":  reloader != nil,
	})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ErrServerClosed
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting requests and waits for in-flight HTTP requests.
// Hijacked websocket connections are not tracked here; close the hub to end
// them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv, cancel := s.http, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
