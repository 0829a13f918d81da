package hub

import (
	"context"
)

// Access decides whether a user may join planet-scoped groups. The chat
// service's membership and permission model implements it.
type Access interface {
	CanJoinPlanet(ctx context.Context, userID, planetID int64) (bool, error)
	CanJoinChannel(ctx context.Context, userID, planetID, channelID int64) (bool, error)
}

// AllowAll grants every request.
type AllowAll struct{}

func (AllowAll) CanJoinPlanet(context.Context, int64, int64) (bool, error) { return true, nil }

func (AllowAll) CanJoinChannel(context.Context, int64, int64, int64) (bool, error) {
	return true, nil
}

// PlanetLocator names the node hosting a planet. routing.PlanetAssigner
// implements it.
type PlanetLocator interface {
	NodeForPlanet(ctx context.Context, planetID int64) (string, error)
}

// Presence records primary connections across nodes. presence.Tracker
// implements it.
type Presence interface {
	RegisterPrimary(ctx context.Context, userID int64, connID, node string) error
	UnregisterPrimary(ctx context.Context, userID int64, connID, node string) error
}
