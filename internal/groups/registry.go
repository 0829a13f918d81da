// Package groups tracks which local connections are interested in which
// groups, and which users those connections belong to.
//
// A Registry is owned by one node process. Groups are created implicitly by
// the first Join and pruned as soon as their last connection leaves.
//
// Locking: each group carries its own mutex guarding its connection and
// user sets. The registry mutex guards only the global maps and is always
// taken after a group mutex, never before.
package groups

import (
	"fmt"
	"sort"
	"sync"
)

// Anonymous is the user id recorded for connections that joined without an
// identity. Anonymous connections receive fan-out but never appear in
// UserIdsOf.
const Anonymous int64 = 0

type group struct {
	mu    sync.Mutex
	key   Key
	conns map[string]int64
	users map[int64]int
	// dead is set under mu when the group is pruned. A joiner that observes
	// it must look the group up again.
	dead bool
}

// Registry is the per-node membership table. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu         sync.Mutex
	groups     map[Key]*group
	connGroups map[string]map[Key]struct{}
	userGroups map[int64]map[Key]struct{}
}

// Stats holds registry-wide counts.
type Stats struct {
	Groups      int `json:"groups"`
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// GroupInfo is a point-in-time copy of one group.
type GroupInfo struct {
	Key         Key      `json:"key"`
	Connections []string `json:"connections"`
	UserIDs     []int64  `json:"userIds"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:     make(map[Key]*group),
		connGroups: make(map[string]map[Key]struct{}),
		userGroups: make(map[int64]map[Key]struct{}),
	}
}

func (r *Registry) lookup(key Key) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[key]
}

func (r *Registry) lookupOrCreate(key Key) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[key]
	if !ok {
		g = &group{
			key:   key,
			conns: make(map[string]int64),
			users: make(map[int64]int),
		}
		r.groups[key] = g
	}
	return g
}

// Join adds conn to the group. userID is the connection's identity, or
// Anonymous. Joining a group the connection is already in is a no-op.
func (r *Registry) Join(key Key, conn string, userID int64) {
	for {
		g := r.lookupOrCreate(key)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		r.joinLocked(g, conn, userID)
		g.mu.Unlock()
		return
	}
}

func (r *Registry) joinLocked(g *group, conn string, userID int64) {
	if _, ok := g.conns[conn]; ok {
		return
	}
	g.conns[conn] = userID

	firstForUser := false
	if userID != Anonymous {
		g.users[userID]++
		firstForUser = g.users[userID] == 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	addIndex(r.connGroups, conn, g.key)
	if firstForUser {
		addIndex(r.userGroups, userID, g.key)
	}
}

// Leave removes conn from the group. The connection's user stays in the
// group while another of its connections remains joined. Leaving a group
// that does not exist or that conn never joined is a no-op.
func (r *Registry) Leave(key Key, conn string) {
	g := r.lookup(key)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return
	}

	userID, ok := g.conns[conn]
	if !ok {
		return
	}
	delete(g.conns, conn)

	lastForUser := false
	if userID != Anonymous {
		n := g.users[userID] - 1
		switch {
		case n < 0:
			panic(fmt.Sprintf("groups: negative user count for %d in %s", userID, key))
		case n == 0:
			delete(g.users, userID)
			lastForUser = true
		default:
			g.users[userID] = n
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !removeIndex(r.connGroups, conn, key) {
		panic(fmt.Sprintf("groups: connection %s in %s but not indexed", conn, key))
	}
	if lastForUser && !removeIndex(r.userGroups, userID, key) {
		panic(fmt.Sprintf("groups: user %d in %s but not indexed", userID, key))
	}
	if len(g.conns) == 0 {
		if len(g.users) != 0 {
			panic(fmt.Sprintf("groups: %s has no connections but %d users", key, len(g.users)))
		}
		g.dead = true
		delete(r.groups, key)
	}
}

// LeaveAll removes conn from every group it is in. It keeps going until the
// connection holds no groups, so a Join racing with the disconnect cannot
// leave a membership behind.
func (r *Registry) LeaveAll(conn string) {
	for {
		keys := r.GroupsOfConnection(conn)
		if len(keys) == 0 {
			return
		}
		for _, key := range keys {
			r.Leave(key, conn)
		}
	}
}

// ConnectionsOf returns a copy of the group's connection ids.
func (r *Registry) ConnectionsOf(key Key) []string {
	g := r.lookup(key)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.conns))
	for conn := range g.conns {
		out = append(out, conn)
	}
	return out
}

// UserIdsOf returns a copy of the ids of users with at least one connection
// in the group.
func (r *Registry) UserIdsOf(key Key) []int64 {
	g := r.lookup(key)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, 0, len(g.users))
	for id := range g.users {
		out = append(out, id)
	}
	return out
}

// GroupsOfConnection returns a copy of the groups conn has joined.
func (r *Registry) GroupsOfConnection(conn string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyKeys(r.connGroups[conn])
}

// GroupsOfUser returns a copy of the groups any connection of the user has joined.
func (r *Registry) GroupsOfUser(userID int64) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyKeys(r.userGroups[userID])
}

// Contains reports whether conn is currently joined to the group.
func (r *Registry) Contains(key Key, conn string) bool {
	g := r.lookup(key)
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conns[conn]
	return ok
}

// Groups returns the keys of all non-empty groups.
func (r *Registry) Groups() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, 0, len(r.groups))
	for key := range r.groups {
		out = append(out, key)
	}
	return out
}

// Stats returns registry-wide counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Groups:      len(r.groups),
		Connections: len(r.connGroups),
		Users:       len(r.userGroups),
	}
}

// Snapshot copies every group, sorted by key. Each group is copied under its
// own lock, so the result is consistent per group but not across groups.
func (r *Registry) Snapshot() []GroupInfo {
	r.mu.Lock()
	all := make([]*group, 0, len(r.groups))
	for _, g := range r.groups {
		all = append(all, g)
	}
	r.mu.Unlock()

	out := make([]GroupInfo, 0, len(all))
	for _, g := range all {
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		info := GroupInfo{
			Key:         g.key,
			Connections: make([]string, 0, len(g.conns)),
			UserIDs:     make([]int64, 0, len(g.users)),
		}
		for conn := range g.conns {
			info.Connections = append(info.Connections, conn)
		}
		for id := range g.users {
			info.UserIDs = append(info.UserIDs, id)
		}
		g.mu.Unlock()

		sort.Strings(info.Connections)
		sort.Slice(info.UserIDs, func(i, j int) bool { return info.UserIDs[i] < info.UserIDs[j] })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func addIndex[K comparable](idx map[K]map[Key]struct{}, k K, key Key) {
	set, ok := idx[k]
	if !ok {
		set = make(map[Key]struct{})
		idx[k] = set
	}
	set[key] = struct{}{}
}

func removeIndex[K comparable](idx map[K]map[Key]struct{}, k K, key Key) bool {
	set, ok := idx[k]
	if !ok {
		return false
	}
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, k)
	}
	return true
}

func copyKeys(set map[Key]struct{}) []Key {
	if len(set) == 0 {
		return nil
	}
	out := make([]Key, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}
