package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/wire"
)

type handlerFunc func(args []any) (any, error)

// fakeTransport is an in-memory Transport. Handlers are keyed by method;
// methods without a handler reply with a successful TaskResult.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	starts    int
	closes    int
	startFn   func(attempt int) error
	handlers  map[string]handlerFunc
	calls     []string
	onEvent   EventHandler
	onClosed  func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]handlerFunc)}
}

func (f *fakeTransport) handle(method string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	f.starts++
	attempt := f.starts
	fn := f.startFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(attempt); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Invoke(_ context.Context, method string, out any, args ...any) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrTransportClosed
	}
	f.calls = append(f.calls, formatCall(method, args))
	h := f.handlers[method]
	f.mu.Unlock()

	var result any = wire.Ok("")
	if method == wire.MethodPing {
		result = wire.Pong
	}
	if h != nil {
		r, err := h(args)
		if err != nil {
			return err
		}
		result = r
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func formatCall(method string, args []any) string {
	if len(args) == 0 {
		return method
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return method + "(" + strings.Join(parts, ",") + ")"
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	return nil
}

func (f *fakeTransport) SetHandlers(onEvent EventHandler, onClosed func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = onEvent
	f.onClosed = onClosed
}

// drop simulates the remote end closing the connection.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	h := f.onClosed
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (f *fakeTransport) push(method string, args ...json.RawMessage) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	h(method, args)
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func fastIntervals() Intervals {
	return Intervals{
		AuthAttempts:   5,
		AuthRetry:      time.Millisecond,
		JoinRetry:      time.Millisecond,
		ReconnectDelay: time.Millisecond,
		Heartbeat:      time.Hour,
		PingTimeout:    time.Second,
		ReadyPollMin:   time.Millisecond,
		ReadyPollMax:   5 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, tr Transport, opts Options) *Session {
	t.Helper()
	opts.Transport = tr
	if opts.Name == "" {
		opts.Name = "alpha"
	}
	if opts.Intervals == (Intervals{}) {
		opts.Intervals = fastIntervals()
	}
	opts.Logger = logging.Discard()
	s := New(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
