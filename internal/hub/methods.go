package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/orbitchat/orbit/internal/groups"
	"github.com/orbitchat/orbit/internal/routing"
	"github.com/orbitchat/orbit/internal/wire"
)

type handler func(h *Hub, c *conn, f wire.Frame) (any, error)

// methods is the invocation table. Handlers return the result value, or an
// error for protocol failures such as bad arguments.
var methods = map[string]handler{
	wire.MethodAuthorize:             (*Hub).authorize,
	wire.MethodJoinUser:              (*Hub).joinUser,
	wire.MethodLeaveUser:             (*Hub).leaveUser,
	wire.MethodJoinPlanet:            (*Hub).joinPlanet,
	wire.MethodLeavePlanet:           (*Hub).leavePlanet,
	wire.MethodJoinChannel:           (*Hub).joinChannel,
	wire.MethodLeaveChannel:          (*Hub).leaveChannel,
	wire.MethodJoinInteractionGroup:  (*Hub).joinInteraction,
	wire.MethodLeaveInteractionGroup: (*Hub).leaveInteraction,
	wire.MethodPing:                  (*Hub).ping,
}

// Methods callable before Authorize.
var anonymous = map[string]bool{
	wire.MethodAuthorize: true,
	wire.MethodPing:      true,
}

func (h *Hub) invoke(c *conn, f wire.Frame) wire.Frame {
	fn, ok := methods[f.Method]
	if !ok {
		h.record(f.Method, false)
		return wire.NewError(f.ID, "unknown method "+f.Method)
	}

	var (
		result any
		err    error
	)
	if userID, _ := c.identity(); userID == 0 && !anonymous[f.Method] {
		h.reject(RejectUnauthorized)
		result = wire.Fail(http.StatusUnauthorized, "Not authorized")
	} else {
		result, err = fn(h, c, f)
	}
	if err != nil {
		h.record(f.Method, false)
		return wire.NewError(f.ID, err.Error())
	}

	if tr, ok := result.(wire.TaskResult); ok {
		h.record(f.Method, tr.Success)
	} else {
		h.record(f.Method, true)
	}
	out, err := wire.NewResult(f.ID, result)
	if err != nil {
		return wire.NewError(f.ID, err.Error())
	}
	return out
}

func (h *Hub) record(method string, ok bool) {
	if h.cfg.Metrics == nil {
		return
	}
	if _, known := methods[method]; !known {
		method = "unknown"
	}
	h.cfg.Metrics.RecordInvocation(method, ok)
}

func (h *Hub) authorize(c *conn, f wire.Frame) (any, error) {
	var token string
	if err := f.Arg(0, &token); err != nil {
		return nil, err
	}
	id, err := h.cfg.Verifier.Verify(c.ctx, token)
	if err != nil {
		c.logger.Debugf("authorization failed", map[string]any{"error": err.Error()})
		return wire.Fail(http.StatusUnauthorized, "Failed to authorize"), nil
	}

	c.mu.Lock()
	if c.userID != 0 && c.userID != id.UserID {
		c.mu.Unlock()
		return wire.Fail(http.StatusUnauthorized, "Connection is bound to another user"), nil
	}
	c.userID = id.UserID
	c.mu.Unlock()

	c.logger.Debugf("connection authorized", map[string]any{"userId": id.UserID})
	return wire.Ok("Authorized"), nil
}

func (h *Hub) joinUser(c *conn, f wire.Frame) (any, error) {
	var isPrimary bool
	if len(f.Args) > 0 {
		if err := f.Arg(0, &isPrimary); err != nil {
			return nil, err
		}
	}
	userID, _ := c.identity()
	h.cfg.Registry.Join(groups.UserKey(userID), c.id, userID)

	if isPrimary && h.cfg.Presence != nil {
		// A presence outage only costs cross-node delivery, so the
		// connection is still accepted.
		if err := h.cfg.Presence.RegisterPrimary(c.ctx, userID, c.id, h.cfg.Node); err != nil {
			c.logger.Warnf("failed to register primary connection", map[string]any{
				"error": err.Error(),
			})
		} else {
			c.mu.Lock()
			c.primary = true
			c.mu.Unlock()
		}
	}
	return wire.Ok("Connected to user channel"), nil
}

func (h *Hub) leaveUser(c *conn, _ wire.Frame) (any, error) {
	userID, _ := c.identity()
	h.cfg.Registry.Leave(groups.UserKey(userID), c.id)
	return wire.Ok("Disconnected from user channel"), nil
}

// checkHosted returns a failed TaskResult if the planet does not live on
// this node.
func (h *Hub) checkHosted(ctx context.Context, planetID int64) *wire.TaskResult {
	if h.cfg.Planets == nil {
		return nil
	}
	owner, err := h.cfg.Planets.NodeForPlanet(ctx, planetID)
	switch {
	case errors.Is(err, routing.ErrPlanetNotFound):
		r := wire.Fail(http.StatusNotFound, "Planet not found")
		return &r
	case err != nil:
		r := wire.Fail(http.StatusServiceUnavailable, "Planet location unavailable")
		return &r
	case owner != h.cfg.Node:
		r := wire.Fail(http.StatusMisdirectedRequest, fmt.Sprintf("Planet %d is hosted on %s", planetID, owner))
		r.Node = owner
		return &r
	}
	return nil
}

func denied(err error, what string) *wire.TaskResult {
	r := wire.Fail(http.StatusForbidden, "You do not have access to this "+what)
	if err != nil {
		r = wire.Fail(http.StatusServiceUnavailable, "Access check failed")
	}
	return &r
}

func (h *Hub) planetGate(c *conn, planetID int64) *wire.TaskResult {
	userID, _ := c.identity()
	ok, err := h.cfg.Access.CanJoinPlanet(c.ctx, userID, planetID)
	if err != nil || !ok {
		return denied(err, "planet")
	}
	return h.checkHosted(c.ctx, planetID)
}

func (h *Hub) joinPlanet(c *conn, f wire.Frame) (any, error) {
	var planetID int64
	if err := f.Arg(0, &planetID); err != nil {
		return nil, err
	}
	if r := h.planetGate(c, planetID); r != nil {
		return *r, nil
	}
	userID, _ := c.identity()
	h.cfg.Registry.Join(groups.PlanetKey(planetID), c.id, userID)
	return wire.Ok("Connected to planet"), nil
}

func (h *Hub) leavePlanet(c *conn, f wire.Frame) (any, error) {
	var planetID int64
	if err := f.Arg(0, &planetID); err != nil {
		return nil, err
	}
	h.cfg.Registry.Leave(groups.PlanetKey(planetID), c.id)
	return wire.Ok("Disconnected from planet"), nil
}

func (h *Hub) joinChannel(c *conn, f wire.Frame) (any, error) {
	var planetID, channelID int64
	if err := f.Arg(0, &planetID); err != nil {
		return nil, err
	}
	if err := f.Arg(1, &channelID); err != nil {
		return nil, err
	}
	userID, _ := c.identity()
	ok, err := h.cfg.Access.CanJoinChannel(c.ctx, userID, planetID, channelID)
	if err != nil || !ok {
		return *denied(err, "channel"), nil
	}
	if r := h.checkHosted(c.ctx, planetID); r != nil {
		return *r, nil
	}
	h.cfg.Registry.Join(groups.ChannelKey(channelID), c.id, userID)
	return wire.Ok("Connected to channel"), nil
}

func (h *Hub) leaveChannel(c *conn, f wire.Frame) (any, error) {
	var channelID int64
	if err := f.Arg(0, &channelID); err != nil {
		return nil, err
	}
	h.cfg.Registry.Leave(groups.ChannelKey(channelID), c.id)
	return wire.Ok("Disconnected from channel"), nil
}

func (h *Hub) joinInteraction(c *conn, f wire.Frame) (any, error) {
	var planetID int64
	if err := f.Arg(0, &planetID); err != nil {
		return nil, err
	}
	if r := h.planetGate(c, planetID); r != nil {
		return *r, nil
	}
	userID, _ := c.identity()
	h.cfg.Registry.Join(groups.InteractionKey(planetID), c.id, userID)
	return wire.Ok("Connected to interactions"), nil
}

func (h *Hub) leaveInteraction(c *conn, f wire.Frame) (any, error) {
	var planetID int64
	if err := f.Arg(0, &planetID); err != nil {
		return nil, err
	}
	h.cfg.Registry.Leave(groups.InteractionKey(planetID), c.id)
	return wire.Ok("Disconnected from interactions"), nil
}

// ping accepts an optional client state argument, which is ignored.
func (h *Hub) ping(*conn, wire.Frame) (any, error) {
	return wire.Pong, nil
}
