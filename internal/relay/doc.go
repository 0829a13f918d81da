// Package relay fans events out to the connections in a group.
//
// Publish hands an event to one of a fixed set of workers, chosen by the
// group key, so events for one group are delivered in publish order. The
// worker looks up the group's connections and offers the encoded frame to
// each one without blocking; a connection whose send buffer is full misses
// the event. Publishers never see delivery failures.
//
// UserRelay reaches a user's primary connections on other nodes through a
// node Bus. Each node subscribes to its own channel, node-relay-<name>.
package relay
