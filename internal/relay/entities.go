package relay

import (
	"errors"
	"fmt"
	"sort"

	"github.com/orbitchat/orbit/internal/groups"
)

var (
	// ErrUnknownEntityKind is returned for entity kinds missing from the
	// routing table.
	ErrUnknownEntityKind = errors.New("relay: unknown entity kind")

	// ErrMissingScope is returned when an entity lacks the id its kind is
	// routed by.
	ErrMissingScope = errors.New("relay: entity has no routing id")
)

// Scope says which group an entity kind's events go to.
type Scope byte

const (
	ScopePlanet Scope = iota + 1
	ScopeChannel
	ScopeUser
)

// entityScopes routes "{Kind}-Update" and "{Kind}-Delete" events.
var entityScopes = map[string]Scope{
	"Planet":           ScopePlanet,
	"PlanetMember":     ScopePlanet,
	"PlanetRole":       ScopePlanet,
	"PlanetRoleMember": ScopePlanet,
	"PlanetBan":        ScopePlanet,
	"PlanetInvite":     ScopePlanet,
	"PlanetEmoji":      ScopePlanet,
	"Channel":          ScopePlanet,
	"PermissionsNode":  ScopePlanet,
	"Currency":         ScopePlanet,
	"EcoAccount":       ScopePlanet,
	"User":             ScopePlanet,
	"Message":          ScopeChannel,
	"UserChannelState": ScopeUser,
	"UserFriend":       ScopeUser,
	"Notification":     ScopeUser,
	"TenorFavorite":    ScopeUser,
}

// ScopeOf returns the routing scope of an entity kind.
func ScopeOf(kind string) (Scope, bool) {
	s, ok := entityScopes[kind]
	return s, ok
}

// EventMethods lists every method a client can receive from a node, sorted.
func EventMethods() []string {
	methods := []string{
		MethodRelay, MethodRelayEdit, MethodDeleteMessage,
		MethodInteractionEvent, MethodTyping, MethodWatching,
	}
	for kind := range entityScopes {
		methods = append(methods, kind+"-Update", kind+"-Delete")
	}
	for _, m := range userEventMethods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Entity is a model change to broadcast. Only the id matching the kind's
// scope has to be set.
type Entity struct {
	Kind      string
	PlanetID  int64
	ChannelID int64
	UserID    int64
	Data      any
}

// GroupOf returns the group an entity's events are published to.
func GroupOf(e Entity) (groups.Key, error) {
	scope, ok := entityScopes[e.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityKind, e.Kind)
	}
	var id int64
	var key func(int64) groups.Key
	switch scope {
	case ScopePlanet:
		id, key = e.PlanetID, groups.PlanetKey
	case ScopeChannel:
		id, key = e.ChannelID, groups.ChannelKey
	case ScopeUser:
		id, key = e.UserID, groups.UserKey
	}
	if id <= 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingScope, e.Kind)
	}
	return key(id), nil
}

// NotifyUpdate publishes "{Kind}-Update"(data, flags) to the entity's
// group. It only fails for entities the table cannot route.
func (r *Relay) NotifyUpdate(e Entity, flags int) error {
	key, err := GroupOf(e)
	if err != nil {
		return err
	}
	r.Publish(key, e.Kind+"-Update", e.Data, flags)
	return nil
}

// NotifyDelete publishes "{Kind}-Delete"(data) to the entity's group.
func (r *Relay) NotifyDelete(e Entity) error {
	key, err := GroupOf(e)
	if err != nil {
		return err
	}
	r.Publish(key, e.Kind+"-Delete", e.Data)
	return nil
}

// Channel event methods.
const (
	MethodRelay            = "Relay"
	MethodRelayEdit        = "RelayEdit"
	MethodDeleteMessage    = "DeleteMessage"
	MethodInteractionEvent = "InteractionEvent"
	MethodTyping           = "Channel-CurrentlyTyping-Update"
	MethodWatching         = "Channel-Watching-Update"
)

// RelayMessage publishes a new message to its channel and returns the ids
// of the users watching the channel on this node, for read-state updates.
func (r *Relay) RelayMessage(channelID int64, message any) []int64 {
	key := groups.ChannelKey(channelID)
	viewers := r.registry.UserIdsOf(key)
	r.Publish(key, MethodRelay, message)
	return viewers
}

// RelayMessageEdit publishes an edited message to its channel.
func (r *Relay) RelayMessageEdit(channelID int64, message any) {
	r.Publish(groups.ChannelKey(channelID), MethodRelayEdit, message)
}

// NotifyMessageDeletion publishes a message deletion to its channel.
func (r *Relay) NotifyMessageDeletion(channelID int64, message any) {
	r.Publish(groups.ChannelKey(channelID), MethodDeleteMessage, message)
}

// NotifyInteractionEvent publishes to a planet's interaction group.
func (r *Relay) NotifyInteractionEvent(planetID int64, event any) {
	r.Publish(groups.InteractionKey(planetID), MethodInteractionEvent, event)
}

// TypingUpdate is the payload of a typing notification.
type TypingUpdate struct {
	PlanetID  int64 `json:"planetId,omitempty"`
	ChannelID int64 `json:"channelId"`
	UserID    int64 `json:"userId"`
}

// NotifyTyping tells a channel that a user is typing.
func (r *Relay) NotifyTyping(u TypingUpdate) {
	r.Publish(groups.ChannelKey(u.ChannelID), MethodTyping, u)
}

// WatchingUpdate lists the users currently watching a channel.
type WatchingUpdate struct {
	ChannelID int64   `json:"channelId"`
	UserIDs   []int64 `json:"userIds"`
}

// BroadcastWatching sends every local channel group its current viewers.
// It returns the number of channels notified.
func (r *Relay) BroadcastWatching() int {
	n := 0
	for _, key := range r.registry.Groups() {
		kind, id, err := groups.ParseKey(string(key))
		if err != nil || kind != groups.KindChannel {
			continue
		}
		r.Publish(key, MethodWatching, WatchingUpdate{
			ChannelID: id,
			UserIDs:   r.registry.UserIdsOf(key),
		})
		n++
	}
	return n
}
