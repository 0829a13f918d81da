// Package hub is the server end of the node control channel.
//
// Clients connect to /hubs/core over a websocket, authorize with a token and
// then join groups. Each connection has a read pump that runs invocations
// in order and a write pump that drains a bounded send buffer. Events from
// the relay are offered to that buffer without blocking.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/identity"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
	"github.com/orbitchat/orbit/internal/wire"
)

// Rejection reasons reported to metrics.
const (
	RejectWrongNode    = "wrong_node"
	RejectRateLimited  = "rate_limited"
	RejectUnauthorized = "unauthorized"
	RejectMalformed    = "malformed"
)

const (
	maxMessageSize    = 1 << 20
	writeTimeout      = 10 * time.Second
	unregisterTimeout = 5 * time.Second
)

// Config configures a Hub.
type Config struct {
	// Node is this node's name. Connections selecting another node are
	// refused with 421.
	Node string

	Registry *groups.Registry
	Verifier identity.Verifier

	// Presence is optional; without it primary connections are not
	// tracked across nodes.
	Presence Presence

	// Planets is optional; without it every planet is served here.
	Planets PlanetLocator

	// Access defaults to AllowAll.
	Access Access

	// SendBuffer is the per-connection outbound queue length. Default 256.
	SendBuffer int

	// RateLimit is invocations per second per connection; 0 disables it.
	RateLimit float64
	RateBurst int

	// ReadTimeout closes connections silent for longer. 0 disables it.
	ReadTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.HubMetrics
}

// Hub accepts control channel connections.
type Hub struct {
	cfg    Config
	logger *logging.Logger

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
}

// New creates a hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Node == "" {
		return nil, errors.New("hub: node name is required")
	}
	if cfg.Registry == nil || cfg.Verifier == nil {
		return nil, errors.New("hub: registry and verifier are required")
	}
	if cfg.Access == nil {
		cfg.Access = AllowAll{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	life, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.WithNode(cfg.Node),
		life:   life,
		cancel: cancel,
		conns:  make(map[string]*conn),
	}, nil
}

// Node returns the node name the hub serves.
func (h *Hub) Node() string { return h.cfg.Node }

// ServeHTTP upgrades the request and serves the connection until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if sel := r.Header.Get(wire.HeaderServerSelect); sel != "" && sel != h.cfg.Node {
		h.reject(RejectWrongNode)
		http.Error(w, fmt.Sprintf("requested node %s, this is %s", sel, h.cfg.Node), http.StatusMisdirectedRequest)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "node shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients are native SDKs that do not send a browser Origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warnf("websocket accept failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}
	ws.SetReadLimit(maxMessageSize)

	c := h.newConn(ws)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ConnectionOpened()
	}
	c.logger.Debugf("connection opened", map[string]any{"remote": r.RemoteAddr})

	go c.writePump()
	err = c.readPump()
	h.disconnect(c, err)
}

func (h *Hub) newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(h.life)
	id := uuid.NewString()
	limiter := rate.NewLimiter(rate.Inf, 0)
	if h.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}
	return &conn{
		hub:     h,
		id:      id,
		ws:      ws,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: limiter,
		logger:  h.logger.WithConnectionID(id),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// disconnect removes every trace of c: its presence entries first, then
// its group memberships.
func (h *Hub) disconnect(c *conn, cause error) {
	c.cancel()

	userID, primary := c.identity()
	if primary && h.cfg.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		if err := h.cfg.Presence.UnregisterPrimary(ctx, userID, c.id, h.cfg.Node); err != nil {
			c.logger.Warnf("failed to unregister primary connection", map[string]any{
				"userId": userID,
				"error":  err.Error(),
			})
		}
		cancel()
	}
	h.cfg.Registry.LeaveAll(c.id)

	if h.life.Err() != nil {
		c.ws.Close(websocket.StatusGoingAway, "node shutting down")
	} else {
		c.ws.Close(websocket.StatusNormalClosure, "")
	}

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ConnectionClosed()
	}
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	fields := map[string]any{"userId": userID}
	if cause != nil {
		fields["reason"] = cause.Error()
	}
	c.logger.Debugf("connection closed", fields)
}

// Send offers a frame to a connection without blocking. It reports false if
// the connection is gone or its send buffer is full.
func (h *Hub) Send(connID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.offer(frame)
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) reject(reason string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordRejected(reason)
	}
}

// Close ends every connection and waits for their cleanup.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}
