package groups

import (
	"errors"
	"strconv"
)

// Key identifies a group. The grammar is a single-letter kind prefix, a
// dash and a decimal id: u-{userId}, p-{planetId}, c-{channelId} or
// i-{planetId}.
type Key string

// Kind is the single-letter prefix of a group key.
type Kind byte

const (
	KindUser        Kind = 'u'
	KindPlanet      Kind = 'p'
	KindChannel     Kind = 'c'
	KindInteraction Kind = 'i'
)

// ErrInvalidKey is returned by ParseKey for strings outside the key grammar.
var ErrInvalidKey = errors.New("groups: invalid group key")

func (k Kind) valid() bool {
	switch k {
	case KindUser, KindPlanet, KindChannel, KindInteraction:
		return true
	}
	return false
}

// String returns the prefix letter.
func (k Kind) String() string { return string(rune(k)) }

// MakeKey builds a key of the given kind.
func MakeKey(kind Kind, id int64) Key {
	b := make([]byte, 0, 22)
	b = append(b, byte(kind), '-')
	b = strconv.AppendInt(b, id, 10)
	return Key(b)
}

// UserKey returns the personal group of a user.
func UserKey(userID int64) Key { return MakeKey(KindUser, userID) }

// PlanetKey returns the planet-wide group.
func PlanetKey(planetID int64) Key { return MakeKey(KindPlanet, planetID) }

// ChannelKey returns the group for a single channel.
func ChannelKey(channelID int64) Key { return MakeKey(KindChannel, channelID) }

// InteractionKey returns the interaction surface group of a planet.
func InteractionKey(planetID int64) Key { return MakeKey(KindInteraction, planetID) }

// ParseKey splits a key into its kind and id.
func ParseKey(s string) (Kind, int64, error) {
	if len(s) < 3 || s[1] != '-' {
		return 0, 0, ErrInvalidKey
	}
	kind := Kind(s[0])
	if !kind.valid() {
		return 0, 0, ErrInvalidKey
	}
	digits := s[2:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, 0, ErrInvalidKey
		}
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidKey
	}
	return kind, id, nil
}

// Kind returns the key's kind prefix, or 0 if the key is malformed.
func (k Key) Kind() Kind {
	kind, _, err := ParseKey(string(k))
	if err != nil {
		return 0
	}
	return kind
}
