// Package keys builds and parses metadata store keys.
//
// Layout:
//
//	/orbit/v1/nodes/<nodeName>                      ephemeral node registration
//	/orbit/v1/planets/<planetIdZ>/node              planet -> node assignment
//	/orbit/v1/presence/<setKey>/<escapedMember>     one member of a presence set
//
// planetIdZ is the planet id zero-padded to IDWidth digits so that a prefix
// scan returns planets in numeric order.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// IDWidth is the number of digits used for zero-padded ids.
const IDWidth = 20

// Key prefixes.
const (
	// Prefix is the root prefix for all Orbit keys.
	Prefix = "/orbit/v1"

	// NodesPrefix is the prefix for node registrations.
	NodesPrefix = Prefix + "/nodes/"

	// PlanetsPrefix is the prefix for planet assignments.
	PlanetsPrefix = Prefix + "/planets/"

	// PresencePrefix is the prefix for presence set members.
	PresencePrefix = Prefix + "/presence/"

	// HealthCheckKey is read by readiness checks. It is never written.
	HealthCheckKey = Prefix + "/health-check"
)

var (
	// ErrInvalidKey is returned when a key does not match the expected layout.
	ErrInvalidKey = errors.New("keys: invalid key")
)

// EncodeID zero-pads a non-negative id.
func EncodeID(id int64) (string, error) {
	if id < 0 {
		return "", fmt.Errorf("keys: negative id %d", id)
	}
	return fmt.Sprintf("%0*d", IDWidth, id), nil
}

// DecodeID parses a zero-padded id.
func DecodeID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// NodeKey returns the registration key of a node.
func NodeKey(name string) string {
	return NodesPrefix + name
}

// ParseNodeKey extracts the node name from a registration key.
func ParseNodeKey(key string) (string, error) {
	name, ok := strings.CutPrefix(key, NodesPrefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return name, nil
}

// PlanetNodeKey returns the assignment key of a planet.
func PlanetNodeKey(planetID int64) (string, error) {
	enc, err := EncodeID(planetID)
	if err != nil {
		return "", err
	}
	return PlanetsPrefix + enc + "/node", nil
}

// ParsePlanetNodeKey extracts the planet id from an assignment key.
func ParsePlanetNodeKey(key string) (int64, error) {
	rest, ok := strings.CutPrefix(key, PlanetsPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	enc, ok := strings.CutSuffix(rest, "/node")
	if !ok || len(enc) != IDWidth {
		return 0, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	id, err := DecodeID(enc)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return id, nil
}

// PresenceSetPrefix returns the prefix under which the members of a presence
// set are stored. It ends in '/' so that user:42 never matches user:420.
func PresenceSetPrefix(set string) string {
	return PresencePrefix + url.PathEscape(set) + "/"
}

// PresenceMemberKey returns the key storing one member of a presence set.
func PresenceMemberKey(set, member string) string {
	return PresenceSetPrefix(set) + url.PathEscape(member)
}

// ParsePresenceMemberKey returns the set and member encoded in key.
func ParsePresenceMemberKey(key string) (set, member string, err error) {
	rest, ok := strings.CutPrefix(key, PresencePrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	rawSet, rawMember, ok := strings.Cut(rest, "/")
	if !ok || rawSet == "" || rawMember == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	if set, err = url.PathUnescape(rawSet); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	if member, err = url.PathUnescape(rawMember); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return set, member, nil
}
