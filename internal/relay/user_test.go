package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
)

type staticLocator map[int64][]string

func (l staticLocator) ListNodesForUser(_ context.Context, userID int64) ([]string, error) {
	return l[userID], nil
}

type failingLocator struct{}

func (failingLocator) ListNodesForUser(context.Context, int64) ([]string, error) {
	return nil, errors.New("presence down")
}

// testNode is one node's relay stack wired to a shared bus.
type testNode struct {
	registry *groups.Registry
	sender   *recordingSender
	relay    *Relay
	users    *UserRelay
	metrics  *metrics.RelayMetrics
}

func newTestNodeRelay(t *testing.T, name string, loc NodeLocator, bus Bus) *testNode {
	t.Helper()
	n := &testNode{registry: groups.NewRegistry(), sender: newRecordingSender()}
	n.relay, n.metrics = newTestRelay(t, n.registry, n.sender, 2, 64)
	n.users = NewUserRelay(name, n.relay, loc, bus, logging.Discard(), n.metrics)
	return n
}

func TestMethodTable(t *testing.T) {
	want := map[UserEventType]string{
		EventTransaction:          "Transaction-Processed",
		EventDirectMessage:        "RelayDirect",
		EventDirectMessageEdit:    "RelayDirectEdit",
		EventNotification:         "RelayNotification",
		EventFriend:               "RelayFriendEvent",
		EventNotificationsCleared: "RelayNotificationsCleared",
	}
	for typ, method := range want {
		got, ok := MethodFor(typ)
		assert.True(t, ok, typ)
		assert.Equal(t, method, got, typ)
	}
	_, ok := MethodFor("Bogus")
	assert.False(t, ok)
}

func TestRelayUserEventAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewLocalBus()
	loc := staticLocator{42: {"alpha", "beta"}}
	alpha := newTestNodeRelay(t, "alpha", loc, bus)
	beta := newTestNodeRelay(t, "beta", loc, bus)
	require.NoError(t, alpha.users.Listen(ctx))
	require.NoError(t, beta.users.Listen(ctx))

	alpha.registry.Join(groups.UserKey(42), "a1", 42)
	beta.registry.Join(groups.UserKey(42), "b1", 42)
	beta.registry.Join(groups.UserKey(43), "b2", 43)

	msg := map[string]any{"id": 1, "content": "hey"}
	require.NoError(t, alpha.users.RelayUserEvent(ctx, 42, EventDirectMessage, msg))
	alpha.relay.Close()
	beta.relay.Close()

	assert.Equal(t, []string{"RelayDirect"}, alpha.sender.methods("a1"))
	assert.Equal(t, []string{"RelayDirect"}, beta.sender.methods("b1"))
	assert.Empty(t, beta.sender.methods("b2"))

	var got map[string]any
	require.NoError(t, beta.sender.last("b1").Arg(0, &got))
	assert.Equal(t, "hey", got["content"])

	assert.Equal(t, 1.0, testutil.ToFloat64(alpha.metrics.BusMessagesTotal.WithLabelValues("sent", metrics.StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(beta.metrics.BusMessagesTotal.WithLabelValues("received", metrics.StatusSuccess)))
}

func TestRelayUserEventNotificationsClearedHasNoArgs(t *testing.T) {
	bus := NewLocalBus()
	n := newTestNodeRelay(t, "alpha", staticLocator{7: {"alpha"}}, bus)
	n.registry.Join(groups.UserKey(7), "c", 7)

	require.NoError(t, n.users.RelayUserEvent(context.Background(), 7, EventNotificationsCleared, int64(7)))
	n.relay.Close()

	f := n.sender.last("c")
	assert.Equal(t, "RelayNotificationsCleared", f.Method)
	assert.Empty(t, f.Args)
}

func TestRelayUserEventErrors(t *testing.T) {
	n := newTestNodeRelay(t, "alpha", failingLocator{}, NewLocalBus())
	ctx := context.Background()

	assert.Error(t, n.users.RelayUserEvent(ctx, 1, "Bogus", nil))
	assert.Error(t, n.users.RelayUserEvent(ctx, 1, EventFriend, map[string]int{"a": 1}))

	// A user with no primary connections anywhere is not an error.
	quiet := newTestNodeRelay(t, "alpha", staticLocator{}, NewLocalBus())
	assert.NoError(t, quiet.users.RelayUserEvent(ctx, 1, EventFriend, nil))
}

func TestHandleBusMessageDropsGarbage(t *testing.T) {
	n := newTestNodeRelay(t, "alpha", staticLocator{}, NewLocalBus())
	n.registry.Join(groups.UserKey(1), "c", 1)

	n.users.HandleBusMessage([]byte("{not json"))
	n.users.HandleBusMessage([]byte(`{"targetUser":1,"type":"Bogus"}`))
	n.users.HandleBusMessage([]byte(`{"targetUser":0,"type":"Friend"}`))
	n.relay.Close()

	assert.Empty(t, n.sender.methods("c"))
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.BusMessagesTotal.WithLabelValues("received", metrics.StatusFailure)))
}

func TestLocalBusUnsubscribesOnCancel(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []byte, 4)
	require.NoError(t, bus.Subscribe(ctx, "alpha", func(b []byte) { got <- b }))

	require.NoError(t, bus.Publish(context.Background(), "alpha", []byte("one")))
	assert.Equal(t, "one", string(<-got))

	cancel()
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs["alpha"]) == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "alpha", []byte("two")))
	assert.Empty(t, got)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisBus(client, logging.Discard())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	require.NoError(t, bus.Subscribe(ctx, "beta", func(b []byte) { got <- string(b) }))

	require.NoError(t, bus.Publish(ctx, "beta", []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "gamma", []byte("elsewhere")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.Equal(t, []string{"node-relay-beta"}, mr.PubSubChannels(""))

	select {
	case msg := <-got:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc := staticLocator{5: {"beta"}}
	alphaBus := NewRedisBus(client, logging.Discard())
	betaBus := NewRedisBus(client, logging.Discard())
	defer alphaBus.Close()
	defer betaBus.Close()

	alpha := newTestNodeRelay(t, "alpha", loc, alphaBus)
	beta := newTestNodeRelay(t, "beta", loc, betaBus)
	require.NoError(t, beta.users.Listen(ctx))
	beta.registry.Join(groups.UserKey(5), "conn", 5)

	require.NoError(t, alpha.users.RelayUserEvent(ctx, 5, EventFriend, map[string]string{"kind": "request"}))

	require.Eventually(t, func() bool {
		return len(beta.sender.methods("conn")) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "RelayFriendEvent", beta.sender.methods("conn")[0])
}

func TestKafkaBusTopic(t *testing.T) {
	_, err := NewKafkaBus(KafkaBusConfig{})
	require.Error(t, err)

	bus, err := NewKafkaBus(KafkaBusConfig{Brokers: []string{"127.0.0.1:1"}, Logger: logging.Discard()})
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, "orbit.node-relay.alpha", bus.Topic("alpha"))
}
