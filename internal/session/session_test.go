package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbitchat/orbit/internal/wire"
)

func TestInitializeHandshake(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{IsPrimary: true, Token: StaticToken("tok")})

	if s.State() != StateCreated {
		t.Fatalf("initial state = %s", s.State())
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !s.IsReady() || s.State() != StateReady {
		t.Fatalf("expected ready, got %s", s.State())
	}

	calls := tr.callLog()
	want := []string{"Authorize(tok)", "JoinUser(true)"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestAuthorizeRetriesThenSucceeds(t *testing.T) {
	tr := newFakeTransport()
	var attempts atomic.Int32
	tr.handle(wire.MethodAuthorize, func([]any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errBoom
		}
		return wire.Ok("authorized"), nil
	})
	s := newTestSession(t, tr, Options{})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("authorize attempts = %d, want 3", got)
	}
}

func TestAuthorizeGivesUpAfterFiveAttempts(t *testing.T) {
	tr := newFakeTransport()
	var attempts atomic.Int32
	tr.handle(wire.MethodAuthorize, func([]any) (any, error) {
		attempts.Add(1)
		return wire.Fail(500, "busy"), nil
	})
	s := newTestSession(t, tr, Options{})

	err := s.Initialize(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if got := attempts.Load(); got != 5 {
		t.Errorf("authorize attempts = %d, want 5", got)
	}
	if s.IsReady() {
		t.Error("session must not be ready after failed auth")
	}
	if s.State() == StateTerminated {
		t.Error("session must stay alive after failed auth")
	}
}

func TestAuthorizeStopsOnUnauthorized(t *testing.T) {
	tr := newFakeTransport()
	var attempts atomic.Int32
	tr.handle(wire.MethodAuthorize, func([]any) (any, error) {
		attempts.Add(1)
		return wire.Fail(401, "token expired"), nil
	})
	s := newTestSession(t, tr, Options{})

	if err := s.Initialize(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("authorize attempts = %d, want 1", got)
	}
}

func TestJoinUserRetriedUntilSuccess(t *testing.T) {
	tr := newFakeTransport()
	var attempts atomic.Int32
	tr.handle(wire.MethodJoinUser, func([]any) (any, error) {
		if attempts.Add(1) < 4 {
			return wire.Fail(500, "not yet"), nil
		}
		return wire.Ok(""), nil
	})
	s := newTestSession(t, tr, Options{})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := attempts.Load(); got != 4 {
		t.Errorf("join attempts = %d, want 4", got)
	}
}

func TestWaitUntilReadyThenRunsAfterReady(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	tr.handle(wire.MethodAuthorize, func([]any) (any, error) {
		<-release
		return wire.Ok(""), nil
	})
	s := newTestSession(t, tr, Options{})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(ev string) {
		mu.Lock()
		order = append(order, ev)
		mu.Unlock()
	}

	opDone := make(chan error, 1)
	go func() {
		opDone <- s.WaitUntilReadyThen(context.Background(), func(context.Context) error {
			record("op:" + s.State().String())
			return nil
		})
	}()

	initDone := make(chan error, 1)
	go func() {
		err := s.Initialize(context.Background())
		record("initialized")
		initDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-opDone:
		t.Fatal("operation ran before the session was ready")
	default:
	}

	close(release)
	if err := <-initDone; err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := <-opDone; err != nil {
		t.Fatalf("WaitUntilReadyThen: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var opEvent string
	for _, ev := range order {
		if ev != "initialized" {
			opEvent = ev
		}
	}
	if opEvent != "op:ready" {
		t.Fatalf("operation observed state %q, want ready (order %v)", opEvent, order)
	}
}

func TestWaitUntilReadyThenHonorsContext(t *testing.T) {
	s := newTestSession(t, newFakeTransport(), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := s.WaitUntilReadyThen(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Fatal("operation must not run on an unready session")
	}
}

func TestConcurrentReconnectRunsOneLoop(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	release := make(chan struct{})
	tr.mu.Lock()
	tr.connected = false
	tr.startFn = func(int) error {
		<-release
		return nil
	}
	tr.mu.Unlock()

	done := make(chan struct{}, 2)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < 2; i++ {
		go func() {
			start.Wait()
			s.Reconnect()
			done <- struct{}{}
		}()
	}
	start.Done()

	// One caller wins the flag and blocks in Start; the other returns at once.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no Reconnect call returned while the other was in flight")
	}
	close(release)
	<-done

	if got := s.ReconnectCount(); got != 1 {
		t.Fatalf("reconnect loops = %d, want 1", got)
	}
	if s.IsReconnecting() {
		t.Error("reconnect flag still set")
	}
	if !s.IsReady() {
		t.Error("session should be ready after reconnect")
	}
}

func TestClosedTransportReconnectsAndRejoins(t *testing.T) {
	tr := newFakeTransport()
	subs := NewSubscriptions()
	s := newTestSession(t, tr, Options{Token: StaticToken("tok"), Subscriptions: subs})
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Join(ctx, PlanetSubscription(5)); err != nil {
		t.Fatalf("Join planet: %v", err)
	}
	if err := s.Join(ctx, ChannelSubscription(5, 9)); err != nil {
		t.Fatalf("Join channel: %v", err)
	}
	if got := subs.OpenGroups("alpha"); len(got) != 2 {
		t.Fatalf("expected 2 recorded subscriptions, got %v", got)
	}

	tr.resetCalls()
	tr.drop(nil)

	waitFor(t, "reconnect", func() bool { return s.ReconnectCount() == 1 && s.IsReady() && !s.IsReconnecting() })
	waitFor(t, "rejoin", func() bool { return len(tr.callLog()) == 4 })

	want := []string{"Authorize(tok)", "JoinUser(false)", "JoinChannel(5,9)", "JoinPlanet(5)"}
	calls := tr.callLog()
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
	if tr.startCount() != 2 {
		t.Errorf("starts = %d, want 2", tr.startCount())
	}
}

func TestDropDuringReconnectAuthorizeRecovers(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{Token: StaticToken("tok")})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// The first Authorize of the reconnect loses the connection again.
	var authorizes atomic.Int32
	tr.handle(wire.MethodAuthorize, func([]any) (any, error) {
		if authorizes.Add(1) == 1 {
			tr.drop(ErrTransportClosed)
			return nil, ErrTransportClosed
		}
		return wire.Ok("authorized"), nil
	})

	tr.drop(errBoom)
	waitFor(t, "ready after second drop", func() bool { return s.IsReady() && !s.IsReconnecting() })
	if s.State() != StateReady {
		t.Errorf("state = %s, want ready", s.State())
	}
	if got := tr.startCount(); got != 3 {
		t.Errorf("starts = %d, want 3", got)
	}
	if got := authorizes.Load(); got != 2 {
		t.Errorf("authorize attempts = %d, want 2", got)
	}
}

func TestDropDuringReconnectJoinUserRecovers(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var joins atomic.Int32
	tr.handle(wire.MethodJoinUser, func([]any) (any, error) {
		if joins.Add(1) == 1 {
			tr.drop(ErrTransportClosed)
			return nil, ErrTransportClosed
		}
		return wire.Ok(""), nil
	})

	tr.drop(errBoom)
	waitFor(t, "ready after drop during join", func() bool { return s.IsReady() && !s.IsReconnecting() })
	if got := tr.startCount(); got != 3 {
		t.Errorf("starts = %d, want 3", got)
	}
	if got := joins.Load(); got != 2 {
		t.Errorf("join attempts = %d, want 2", got)
	}
}

func TestAuthRefusedDuringReconnectLeavesConnectionOpen(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tr.handle(wire.MethodAuthorize, func([]any) (any, error) {
		return wire.Fail(401, "token expired"), nil
	})
	tr.drop(nil)

	waitFor(t, "reconnect loop to finish", func() bool {
		return s.ReconnectCount() == 1 && !s.IsReconnecting() && tr.Connected()
	})
	if s.IsReady() {
		t.Error("session must not be ready after refused auth")
	}
	if got := tr.startCount(); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
}

func TestReconnectKeepsTryingUntilStartSucceeds(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tr.mu.Lock()
	tr.startFn = func(attempt int) error {
		if attempt < 6 {
			return errBoom
		}
		return nil
	}
	tr.mu.Unlock()

	tr.drop(errBoom)
	waitFor(t, "ready after retries", func() bool { return s.IsReady() })
	if got := tr.startCount(); got != 6 {
		t.Errorf("starts = %d, want 6", got)
	}
}

func TestReconnectProbesPhantomConnection(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var pings atomic.Int32
	tr.handle(wire.MethodPing, func([]any) (any, error) {
		if pings.Add(1) == 1 {
			return nil, errBoom
		}
		return wire.Pong, nil
	})

	s.Reconnect()

	tr.mu.Lock()
	closes := tr.closes
	tr.mu.Unlock()
	if closes != 1 {
		t.Errorf("phantom transport closes = %d, want 1", closes)
	}
	if tr.startCount() != 2 {
		t.Errorf("starts = %d, want 2", tr.startCount())
	}
	if !s.IsReady() {
		t.Error("expected ready after reconnect")
	}
}

func TestReconnectOnHealthyConnectionOnlyReauthenticates(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tr.resetCalls()

	s.Reconnect()

	if tr.startCount() != 1 {
		t.Errorf("starts = %d, want 1", tr.startCount())
	}
	calls := tr.callLog()
	if len(calls) != 3 || calls[0] != "Ping(false)" || calls[1] != "Authorize()" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tr.drop(nil)
	s.Reconnect()

	if s.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", s.State())
	}
	if got := s.ReconnectCount(); got != 0 {
		t.Errorf("reconnects after close = %d, want 0", got)
	}
	if err := s.Invoke(context.Background(), wire.MethodPing, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Invoke after close: expected ErrClosed, got %v", err)
	}
}

func TestCloseInterruptsReconnectLoop(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tr.mu.Lock()
	tr.startFn = func(int) error { return errBoom }
	tr.mu.Unlock()

	tr.drop(errBoom)
	waitFor(t, "reconnect loop", func() bool { return tr.startCount() > 3 })

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the reconnect loop")
	}
}

func TestHeartbeatFailureDoesNotReconnect(t *testing.T) {
	tr := newFakeTransport()
	var pings atomic.Int32
	tr.handle(wire.MethodPing, func([]any) (any, error) {
		pings.Add(1)
		return "nope", nil
	})
	iv := fastIntervals()
	iv.Heartbeat = 2 * time.Millisecond
	s := newTestSession(t, tr, Options{Intervals: iv})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, "heartbeats", func() bool { return pings.Load() >= 3 })

	if got := s.ReconnectCount(); got != 0 {
		t.Errorf("reconnects = %d, want 0", got)
	}
	if !s.IsReady() {
		t.Error("failed pings must not change readiness")
	}
}

func TestInitializeDialFailureStartsReconnect(t *testing.T) {
	tr := newFakeTransport()
	tr.startFn = func(attempt int) error {
		if attempt == 1 {
			return errBoom
		}
		return nil
	}
	s := newTestSession(t, tr, Options{})

	if err := s.Initialize(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("expected dial error, got %v", err)
	}
	waitFor(t, "background reconnect", func() bool { return s.IsReady() })
}

func TestEventsDispatched(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, Options{})

	got := make(chan string, 1)
	s.On("Channel-Update", func(method string, args []json.RawMessage) {
		got <- method + ":" + string(args[0])
	})
	tr.push("Channel-Update", json.RawMessage(`{"id":1}`))
	tr.push("Unhandled")

	if ev := <-got; ev != `Channel-Update:{"id":1}` {
		t.Errorf("event = %s", ev)
	}
}

func TestLeaveForgetsSubscription(t *testing.T) {
	tr := newFakeTransport()
	subs := NewSubscriptions()
	s := newTestSession(t, tr, Options{Subscriptions: subs})
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := s.Join(ctx, InteractionSubscription(3)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.Leave(ctx, InteractionSubscription(3)); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := subs.OpenGroups("alpha"); len(got) != 0 {
		t.Errorf("expected no subscriptions, got %v", got)
	}
	calls := tr.callLog()
	if calls[len(calls)-1] != "LeaveInteractionGroup(3)" {
		t.Errorf("last call = %s", calls[len(calls)-1])
	}
}

func TestJoinFailureNotRecorded(t *testing.T) {
	tr := newFakeTransport()
	tr.handle(wire.MethodJoinPlanet, func([]any) (any, error) {
		res := wire.Fail(421, "hosted elsewhere")
		res.Node = "beta"
		return res, nil
	})
	subs := NewSubscriptions()
	s := newTestSession(t, tr, Options{Subscriptions: subs})
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := s.Join(ctx, PlanetSubscription(1))
	var te *wire.TaskError
	if !errors.As(err, &te) || te.Node != "beta" {
		t.Fatalf("expected misdirect TaskError, got %v", err)
	}
	if got := subs.OpenGroups("alpha"); len(got) != 0 {
		t.Errorf("failed join recorded: %v", got)
	}
}
