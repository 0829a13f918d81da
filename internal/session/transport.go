package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/wire"
)

// Transport is a duplex RPC connection to one node.
type Transport interface {
	// Start opens the connection. Calling Start while connected is a no-op.
	Start(ctx context.Context) error
	// Invoke calls method and decodes the result into out, which may be nil.
	Invoke(ctx context.Context, method string, out any, args ...any) error
	// Connected reports whether the transport believes it is connected.
	Connected() bool
	// Close closes the connection without notifying the close handler.
	Close() error
	// SetHandlers installs the callbacks for pushed events and for closes
	// the transport did not initiate itself.
	SetHandlers(onEvent EventHandler, onClosed func(error))
}

// RemoteError is a protocol-level error returned by the node.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: %s: %s", e.Method, e.Message)
}

// DefaultCallTimeout bounds invocations whose context has no deadline.
const DefaultCallTimeout = 20 * time.Second

const defaultReadLimit = 1 << 20

type callResult struct {
	frame wire.Frame
	err   error
}

// WebsocketTransport speaks the wire protocol over a websocket.
type WebsocketTransport struct {
	url         string
	header      http.Header
	client      *http.Client
	callTimeout time.Duration
	logger      *logging.Logger

	nextID    atomic.Uint64
	connected atomic.Bool

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[uint64]chan callResult
	onEvent  EventHandler
	onClosed func(error)
}

// TransportOption configures a WebsocketTransport.
type TransportOption func(*WebsocketTransport)

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *WebsocketTransport) { t.client = c }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) TransportOption {
	return func(t *WebsocketTransport) { t.callTimeout = d }
}

// WithTransportLogger sets the logger.
func WithTransportLogger(l *logging.Logger) TransportOption {
	return func(t *WebsocketTransport) { t.logger = l }
}

// WithHeader adds a header to the upgrade request.
func WithHeader(key, value string) TransportOption {
	return func(t *WebsocketTransport) { t.header.Set(key, value) }
}

// NewWebsocketTransport creates a transport for node reachable at baseURL
// (http, https, ws or wss). The upgrade request names the node in the
// X-Server-Select header.
func NewWebsocketTransport(baseURL, node string, opts ...TransportOption) *WebsocketTransport {
	t := &WebsocketTransport{
		url:         hubURL(baseURL),
		header:      http.Header{},
		callTimeout: DefaultCallTimeout,
		logger:      logging.Global(),
	}
	t.header.Set(wire.HeaderServerSelect, node)
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithNode(node)
	return t
}

func hubURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	return base + wire.HubPath
}

func (t *WebsocketTransport) SetHandlers(onEvent EventHandler, onClosed func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = onEvent
	t.onClosed = onClosed
}

func (t *WebsocketTransport) Connected() bool { return t.connected.Load() }

func (t *WebsocketTransport) Start(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: t.header.Clone(),
	})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", t.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	t.mu.Lock()
	t.conn = conn
	t.pending = make(map[uint64]chan callResult)
	t.connected.Store(true)
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.dropped(conn, err)
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			t.logger.Warnf("discarding malformed frame", map[string]any{"error": err.Error()})
			continue
		}
		switch f.Type {
		case wire.FrameResult:
			t.mu.Lock()
			ch, ok := t.pending[f.ID]
			delete(t.pending, f.ID)
			t.mu.Unlock()
			if ok {
				ch <- callResult{frame: f}
			}
		case wire.FrameEvent:
			t.mu.Lock()
			h := t.onEvent
			t.mu.Unlock()
			if h != nil {
				h(f.Method, f.Args)
			}
		}
	}
}

// detach clears conn if it is still the current connection and fails its
// pending calls. It reports whether conn was current.
func (t *WebsocketTransport) detach(conn *websocket.Conn, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return false
	}
	t.conn = nil
	t.connected.Store(false)
	for id, ch := range t.pending {
		ch <- callResult{err: fmt.Errorf("%w: %v", ErrTransportClosed, cause)}
		delete(t.pending, id)
	}
	return true
}

func (t *WebsocketTransport) dropped(conn *websocket.Conn, err error) {
	if !t.detach(conn, err) {
		return
	}
	t.mu.Lock()
	h := t.onClosed
	t.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (t *WebsocketTransport) Invoke(ctx context.Context, method string, out any, args ...any) error {
	if _, ok := ctx.Deadline(); !ok && t.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	id := t.nextID.Add(1)
	ch := make(chan callResult, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.pending != nil {
			delete(t.pending, id)
		}
		t.mu.Unlock()
	}()

	f, err := wire.NewInvoke(id, method, args...)
	if err != nil {
		return err
	}
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.frame.Error != "" {
			return &RemoteError{Method: method, Message: res.frame.Error}
		}
		if out == nil || len(res.frame.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.frame.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.detach(conn, errors.New("closed locally"))
	return conn.Close(websocket.StatusNormalClosure, "closing")
}
