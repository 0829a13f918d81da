package session

import (
	"sort"
	"sync"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/wire"
)

// Subscription is a group a client has joined through a session. The
// personal u- group is not a subscription; the handshake joins it.
type Subscription struct {
	Kind      groups.Kind
	PlanetID  int64
	ChannelID int64
}

// PlanetSubscription subscribes to planet-wide events.
func PlanetSubscription(planetID int64) Subscription {
	return Subscription{Kind: groups.KindPlanet, PlanetID: planetID}
}

// ChannelSubscription subscribes to one channel of a planet.
func ChannelSubscription(planetID, channelID int64) Subscription {
	return Subscription{Kind: groups.KindChannel, PlanetID: planetID, ChannelID: channelID}
}

// InteractionSubscription subscribes to a planet's interaction surface.
func InteractionSubscription(planetID int64) Subscription {
	return Subscription{Kind: groups.KindInteraction, PlanetID: planetID}
}

// Key returns the group the subscription joins.
func (s Subscription) Key() groups.Key {
	if s.Kind == groups.KindChannel {
		return groups.ChannelKey(s.ChannelID)
	}
	return groups.MakeKey(s.Kind, s.PlanetID)
}

func (s Subscription) joinCall() (string, []any) {
	switch s.Kind {
	case groups.KindChannel:
		return wire.MethodJoinChannel, []any{s.PlanetID, s.ChannelID}
	case groups.KindInteraction:
		return wire.MethodJoinInteractionGroup, []any{s.PlanetID}
	default:
		return wire.MethodJoinPlanet, []any{s.PlanetID}
	}
}

func (s Subscription) leaveCall() (string, []any) {
	switch s.Kind {
	case groups.KindChannel:
		return wire.MethodLeaveChannel, []any{s.ChannelID}
	case groups.KindInteraction:
		return wire.MethodLeaveInteractionGroup, []any{s.PlanetID}
	default:
		return wire.MethodLeavePlanet, []any{s.PlanetID}
	}
}

// SubscriptionSource reports the subscriptions currently open on a node.
type SubscriptionSource interface {
	OpenGroups(node string) []Subscription
}

// SubscriptionRecorder is implemented by sources that want Session.Join and
// Session.Leave to keep them current.
type SubscriptionRecorder interface {
	Add(node string, sub Subscription)
	Remove(node string, sub Subscription)
}

// Subscriptions is an in-memory SubscriptionSource shared by all sessions
// of one client.
type Subscriptions struct {
	mu     sync.Mutex
	byNode map[string]map[Subscription]struct{}
}

// NewSubscriptions creates an empty tracker.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{byNode: make(map[string]map[Subscription]struct{})}
}

func (s *Subscriptions) Add(node string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byNode[node]
	if !ok {
		set = make(map[Subscription]struct{})
		s.byNode[node] = set
	}
	set[sub] = struct{}{}
}

func (s *Subscriptions) Remove(node string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byNode[node]
	delete(set, sub)
	if len(set) == 0 {
		delete(s.byNode, node)
	}
}

// OpenGroups returns the node's subscriptions ordered by group key.
func (s *Subscriptions) OpenGroups(node string) []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.byNode[node]))
	for sub := range s.byNode[node] {
		out = append(out, sub)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Nodes returns the nodes with at least one open subscription.
func (s *Subscriptions) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byNode))
	for node := range s.byNode {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}
