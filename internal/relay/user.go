package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/multierr"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
)

// UserEventType names a cross-node user event.
type UserEventType string

const (
	EventTransaction          UserEventType = "Transaction"
	EventDirectMessage        UserEventType = "DirectMessage"
	EventDirectMessageEdit    UserEventType = "DirectMessageEdit"
	EventNotification         UserEventType = "Notification"
	EventFriend               UserEventType = "Friend"
	EventNotificationsCleared UserEventType = "NotificationsCleared"
)

// userEventMethods maps event types to the hub method clients receive.
var userEventMethods = map[UserEventType]string{
	EventTransaction:          "Transaction-Processed",
	EventDirectMessage:        "RelayDirect",
	EventDirectMessageEdit:    "RelayDirectEdit",
	EventNotification:         "RelayNotification",
	EventFriend:               "RelayFriendEvent",
	EventNotificationsCleared: "RelayNotificationsCleared",
}

// MethodFor returns the hub method an event type is delivered as.
func MethodFor(t UserEventType) (string, bool) {
	m, ok := userEventMethods[t]
	return m, ok
}

// UserEvent is the node bus envelope.
type UserEvent struct {
	TargetUser int64           `json:"targetUser"`
	Type       UserEventType   `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NodeLocator lists the nodes holding a user's primary connections.
// presence.Tracker implements it.
type NodeLocator interface {
	ListNodesForUser(ctx context.Context, userID int64) ([]string, error)
}

// UserRelay delivers user events to every node the user is connected to.
type UserRelay struct {
	node    string
	relay   *Relay
	nodes   NodeLocator
	bus     Bus
	logger  *logging.Logger
	metrics *metrics.RelayMetrics
}

// NewUserRelay creates a user relay for the named local node.
func NewUserRelay(node string, relay *Relay, nodes NodeLocator, bus Bus, logger *logging.Logger, m *metrics.RelayMetrics) *UserRelay {
	if logger == nil {
		logger = logging.Global()
	}
	return &UserRelay{node: node, relay: relay, nodes: nodes, bus: bus, logger: logger, metrics: m}
}

// RelayUserEvent sends an event to the user's personal group on every node
// that holds one of their primary connections. The local node delivers
// directly; remote nodes are reached over the bus. The returned error
// covers lookup and publish failures only, never delivery.
func (u *UserRelay) RelayUserEvent(ctx context.Context, userID int64, typ UserEventType, payload any) error {
	if _, ok := userEventMethods[typ]; !ok {
		return fmt.Errorf("relay: unknown user event type %q", typ)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: encode %s payload: %w", typ, err)
	}
	ev := UserEvent{TargetUser: userID, Type: typ, Payload: raw}

	nodes, err := u.nodes.ListNodesForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("relay: locate user %d: %w", userID, err)
	}

	var data []byte
	var errs error
	for _, node := range nodes {
		if node == u.node {
			u.deliver(ev)
			continue
		}
		if data == nil {
			if data, err = json.Marshal(ev); err != nil {
				return fmt.Errorf("relay: encode event: %w", err)
			}
		}
		perr := u.bus.Publish(ctx, node, data)
		if u.metrics != nil {
			u.metrics.RecordBus("sent", perr == nil)
		}
		if perr != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish to %s: %w", node, perr))
		}
	}
	return errs
}

// Listen subscribes to this node's bus channel and delivers incoming events
// until ctx is done.
func (u *UserRelay) Listen(ctx context.Context) error {
	return u.bus.Subscribe(ctx, u.node, u.HandleBusMessage)
}

// HandleBusMessage decodes and delivers one bus message.
func (u *UserRelay) HandleBusMessage(data []byte) {
	var ev UserEvent
	err := json.Unmarshal(data, &ev)
	if u.metrics != nil {
		u.metrics.RecordBus("received", err == nil)
	}
	if err != nil {
		u.logger.Warnf("dropping malformed bus message", map[string]any{
			"error": err.Error(),
			"size":  len(data),
		})
		return
	}
	u.deliver(ev)
}

func (u *UserRelay) deliver(ev UserEvent) {
	method, ok := userEventMethods[ev.Type]
	if !ok || ev.TargetUser <= 0 {
		u.logger.Warnf("dropping unroutable user event", map[string]any{
			"type":   string(ev.Type),
			"target": strconv.FormatInt(ev.TargetUser, 10),
		})
		return
	}
	key := groups.UserKey(ev.TargetUser)
	if ev.Type == EventNotificationsCleared || len(ev.Payload) == 0 {
		u.relay.Publish(key, method)
		return
	}
	u.relay.Publish(key, method, ev.Payload)
}
