// Package session implements the client side of a node control channel.
//
// A Session holds one outbound connection to a named node. It
// authenticates, joins the caller's personal group and then serves
// invocations. When the transport closes the session reconnects forever,
// re-authenticates and re-joins every group its SubscriptionSource reports
// for the node. Only Close stops it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
	"github.com/orbitchat/orbit/internal/wire"
)

var (
	// ErrAuthFailed is returned when authentication was refused or did not
	// succeed within the retry budget. The session stays usable and will
	// authenticate again after the next reconnect.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrTransportClosed is returned by transports for calls on a closed
	// connection.
	ErrTransportClosed = errors.New("session: transport closed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateAuthenticating
	StateJoiningUserChannel
	StateReady
	StateDisconnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoiningUserChannel:
		return "joining_user_channel"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TokenSource returns the credential sent with Authorize.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// EventHandler receives a pushed event.
type EventHandler func(method string, args []json.RawMessage)

// Intervals holds the timing of the session lifecycle.
type Intervals struct {
	AuthAttempts   int
	AuthRetry      time.Duration
	JoinRetry      time.Duration
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	PingTimeout    time.Duration
	ReadyPollMin   time.Duration
	ReadyPollMax   time.Duration
}

// DefaultIntervals returns the production timings.
func DefaultIntervals() Intervals {
	return Intervals{
		AuthAttempts:   5,
		AuthRetry:      3 * time.Second,
		JoinRetry:      3 * time.Second,
		ReconnectDelay: 3 * time.Second,
		Heartbeat:      60 * time.Second,
		PingTimeout:    20 * time.Second,
		ReadyPollMin:   50 * time.Millisecond,
		ReadyPollMax:   time.Second,
	}
}

// Options configures a Session.
type Options struct {
	Name      string
	IsPrimary bool
	Transport Transport
	Token     TokenSource

	// Subscriptions reports the groups to re-join after a reconnect. If it
	// also implements SubscriptionRecorder, Join and Leave keep it current.
	Subscriptions SubscriptionSource

	Logger    *logging.Logger
	Metrics   *metrics.SessionMetrics
	Intervals Intervals
}

// Session is one control channel to a named node.
type Session struct {
	name      string
	isPrimary bool
	transport Transport
	token     TokenSource
	subs      SubscriptionSource
	logger    *logging.Logger
	metrics   *metrics.SessionMetrics
	iv        Intervals

	state        atomic.Int32
	ready        atomic.Bool
	reconnecting atomic.Bool
	disposed     atomic.Bool
	reconnects   atomic.Int64

	// life is cancelled by Close and bounds every background loop.
	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	heartbeatOnce sync.Once
	// bgMu orders background goroutine starts against Close.
	bgMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// New creates a session. Nothing is dialed until Initialize.
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Token == nil {
		opts.Token = StaticToken("")
	}
	if opts.Intervals == (Intervals{}) {
		opts.Intervals = DefaultIntervals()
	}
	life, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:      opts.Name,
		isPrimary: opts.IsPrimary,
		transport: opts.Transport,
		token:     opts.Token,
		subs:      opts.Subscriptions,
		logger:    opts.Logger.WithNode(opts.Name),
		metrics:   opts.Metrics,
		iv:        opts.Intervals,
		life:      life,
		cancel:    cancel,
		handlers:  make(map[string][]EventHandler),
	}
	s.transport.SetHandlers(s.dispatchEvent, s.onClosed)
	return s
}

// Name returns the node name.
func (s *Session) Name() string { return s.name }

// IsPrimary reports whether this is the coordinator session.
func (s *Session) IsPrimary() bool { return s.isPrimary }

// IsReady reports whether the handshake has completed.
func (s *Session) IsReady() bool { return s.ready.Load() }

// IsReconnecting reports whether a reconnect loop is running.
func (s *Session) IsReconnecting() bool { return s.reconnecting.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ReconnectCount returns how many reconnect loops have run.
func (s *Session) ReconnectCount() int64 { return s.reconnects.Load() }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.metrics != nil {
		s.metrics.RecordTransition(s.name, st.String())
	}
}

// On registers a handler for pushed events with the given method name.
func (s *Session) On(method string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = append(s.handlers[method], h)
}

func (s *Session) dispatchEvent(method string, args []json.RawMessage) {
	s.mu.RLock()
	hs := s.handlers[method]
	s.mu.RUnlock()
	for _, h := range hs {
		h(method, args)
	}
}

// Initialize connects, authenticates and joins the personal channel. If the
// transport cannot be opened a reconnect loop is started in the background
// and the dial error is returned. An authentication failure is logged as
// fatal and returned as ErrAuthFailed; the session stays alive.
func (s *Session) Initialize(ctx context.Context) error {
	if s.disposed.Load() {
		return ErrClosed
	}
	s.setState(StateConnecting)
	s.logger.Infof("connecting to node", map[string]any{"primary": s.isPrimary})

	if err := s.transport.Start(ctx); err != nil {
		s.setState(StateDisconnected)
		s.goReconnect()
		return fmt.Errorf("session %s: connect: %w", s.name, err)
	}
	return s.handshake(ctx)
}

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		s.logger.Errorf("FATAL: could not authenticate with node", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	s.setState(StateJoiningUserChannel)
	if err := s.joinUserChannel(ctx); err != nil {
		return err
	}

	s.setState(StateReady)
	s.ready.Store(true)
	s.logger.Infof("node session ready", nil)
	s.heartbeatOnce.Do(func() { s.goBackground(s.heartbeat) })
	return nil
}

func (s *Session) authenticate(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.iv.AuthAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.iv.AuthRetry); err != nil {
				return err
			}
		}

		token, err := s.token(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		var res wire.TaskResult
		err = s.transport.Invoke(ctx, wire.MethodAuthorize, &res, token)
		if err == nil {
			if res.Success {
				return nil
			}
			// The token itself was rejected; retrying cannot help.
			if res.Code == 401 {
				return fmt.Errorf("%w: %s", ErrAuthFailed, res.Message)
			}
			err = res.Err()
		}
		if !s.transport.Connected() {
			return fmt.Errorf("%w during authorize: %v", ErrTransportClosed, err)
		}
		lastErr = err
		s.logger.Warnf("authorize attempt failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrAuthFailed, s.iv.AuthAttempts, lastErr)
}

func (s *Session) joinUserChannel(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		var res wire.TaskResult
		err := s.transport.Invoke(ctx, wire.MethodJoinUser, &res, s.isPrimary)
		if err == nil {
			err = res.Err()
		}
		if err == nil {
			return nil
		}
		if !s.transport.Connected() {
			return fmt.Errorf("%w during join: %v", ErrTransportClosed, err)
		}
		s.logger.Errorf("failed to join user channel", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if err := s.sleep(ctx, s.iv.JoinRetry); err != nil {
			return err
		}
	}
}

// sleep waits for d, returning early if ctx or the session ends.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.life.Done():
		return ErrClosed
	}
}

// WaitUntilReadyThen blocks until the handshake has completed and then runs
// op. Readiness is polled with exponential backoff. It returns early only
// when ctx ends or the session is closed.
func (s *Session) WaitUntilReadyThen(ctx context.Context, op func(ctx context.Context) error) error {
	delay := s.iv.ReadyPollMin
	for !s.ready.Load() {
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > s.iv.ReadyPollMax {
			delay = s.iv.ReadyPollMax
		}
	}
	return op(ctx)
}

// Invoke calls a hub method once the session is ready.
func (s *Session) Invoke(ctx context.Context, method string, out any, args ...any) error {
	return s.WaitUntilReadyThen(ctx, func(ctx context.Context) error {
		return s.transport.Invoke(ctx, method, out, args...)
	})
}

// Join invokes the join method for sub and records it on success.
func (s *Session) Join(ctx context.Context, sub Subscription) error {
	method, args := sub.joinCall()
	var res wire.TaskResult
	if err := s.Invoke(ctx, method, &res, args...); err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	if rec, ok := s.subs.(SubscriptionRecorder); ok {
		rec.Add(s.name, sub)
	}
	return nil
}

// Leave invokes the leave method for sub. The subscription is forgotten
// even if the call fails, so it is not re-joined after a reconnect.
func (s *Session) Leave(ctx context.Context, sub Subscription) error {
	if rec, ok := s.subs.(SubscriptionRecorder); ok {
		rec.Remove(s.name, sub)
	}
	method, args := sub.leaveCall()
	var res wire.TaskResult
	if err := s.Invoke(ctx, method, &res, args...); err != nil {
		return err
	}
	return res.Err()
}

func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.iv.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.life.Done():
			return
		case <-ticker.C:
			s.ping()
		}
	}
}

// ping sends one heartbeat. Failures are logged only; the transport's close
// notification is what triggers a reconnect.
func (s *Session) ping() {
	if !s.transport.Connected() {
		s.logger.Warnf("ping skipped, transport not connected", map[string]any{"state": s.State().String()})
		s.recordPingFailure()
		return
	}
	ctx, cancel := context.WithTimeout(s.life, s.iv.PingTimeout)
	defer cancel()

	start := time.Now()
	var reply string
	err := s.transport.Invoke(ctx, wire.MethodPing, &reply, s.isPrimary)
	switch {
	case err != nil:
		s.logger.Warnf("ping failed", map[string]any{"error": err.Error()})
		s.recordPingFailure()
	case reply != wire.Pong:
		s.logger.Warnf("unexpected ping reply", map[string]any{"reply": reply})
		s.recordPingFailure()
	default:
		s.logger.Debugf("ping ok", map[string]any{"elapsedMs": time.Since(start).Milliseconds()})
	}
}

func (s *Session) recordPingFailure() {
	if s.metrics != nil {
		s.metrics.RecordPingFailure(s.name)
	}
}

// onClosed is the transport close callback. Every close, clean or not, is
// treated as a drop.
func (s *Session) onClosed(err error) {
	s.ready.Store(false)
	if s.disposed.Load() {
		return
	}
	s.setState(StateDisconnected)
	fields := map[string]any{}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Warnf("node connection closed, reconnecting", fields)
	s.goReconnect()
}

func (s *Session) goReconnect() { s.goBackground(s.Reconnect) }

func (s *Session) goBackground(fn func()) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.disposed.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Reconnect reopens the transport and repeats the handshake. A call made
// while another reconnect is running returns immediately. The loop retries
// forever and ends only on success, a refused authentication on a live
// connection, or Close. A drop during the handshake sends it back to
// reopening the transport.
func (s *Session) Reconnect() {
	if s.disposed.Load() {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.endReconnect()

	s.reconnects.Add(1)
	if s.metrics != nil {
		s.metrics.RecordReconnect(s.name)
	}
	s.ready.Store(false)
	s.setState(StateReconnecting)

	if s.transport.Connected() && !s.probe() {
		s.logger.Errorf("transport reports connected but ping failed, forcing reconnect", nil)
		_ = s.transport.Close()
	}

	for {
		if !s.reopen() {
			return
		}
		err := s.handshake(s.life)
		if err == nil {
			s.rejoin()
			return
		}
		if s.disposed.Load() || s.transport.Connected() {
			return
		}
		s.logger.Warnf("node connection lost during handshake, reconnecting", map[string]any{"error": err.Error()})
		s.setState(StateReconnecting)
	}
}

// reopen starts the transport until it connects. It returns false once the
// session is closed.
func (s *Session) reopen() bool {
	for attempt := 1; !s.transport.Connected(); attempt++ {
		if err := s.sleep(s.life, s.iv.ReconnectDelay); err != nil {
			return false
		}
		s.logger.Infof("reconnecting to node", map[string]any{"attempt": attempt})
		if err := s.transport.Start(s.life); err != nil {
			if s.disposed.Load() {
				return false
			}
			s.logger.Errorf("reconnect failed", map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
		}
	}
	return true
}

// endReconnect releases the reconnect flag. A close notification that
// arrived while the flag was held was dropped, so a transport found closed
// here gets a fresh loop.
func (s *Session) endReconnect() {
	s.reconnecting.Store(false)
	if !s.disposed.Load() && !s.transport.Connected() {
		s.goReconnect()
	}
}

func (s *Session) probe() bool {
	ctx, cancel := context.WithTimeout(s.life, s.iv.PingTimeout)
	defer cancel()
	var reply string
	err := s.transport.Invoke(ctx, wire.MethodPing, &reply, s.isPrimary)
	return err == nil && reply == wire.Pong
}

// rejoin restores the groups the subscription source reports for this node.
func (s *Session) rejoin() {
	if s.subs == nil {
		return
	}
	for _, sub := range s.subs.OpenGroups(s.name) {
		method, args := sub.joinCall()
		var res wire.TaskResult
		err := s.transport.Invoke(s.life, method, &res, args...)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			s.logger.Warnf("failed to rejoin group after reconnect", map[string]any{
				"group": string(sub.Key()),
				"error": err.Error(),
			})
		}
	}
}

// Close disposes the session. Background loops stop and no reconnect is
// attempted afterwards.
func (s *Session) Close() error {
	s.bgMu.Lock()
	first := s.disposed.CompareAndSwap(false, true)
	s.bgMu.Unlock()
	if !first {
		return nil
	}
	s.ready.Store(false)
	s.cancel()
	err := s.transport.Close()
	s.wg.Wait()
	s.setState(StateTerminated)
	return err
}
