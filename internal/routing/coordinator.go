package routing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/orbitchat/orbit/internal/wire"
)

// Coordinator endpoints served by every node.
const (
	PathNodeName   = "/api/node/name"
	PathPlanetNode = "/api/node/planet/"
)

// CoordinatorClient answers routing questions for clients.
type CoordinatorClient interface {
	// NodeForPlanet returns the name of the node hosting the planet.
	// It returns an ErrPlanetNotFound error for unknown planets.
	NodeForPlanet(ctx context.Context, planetID int64) (string, error)

	// PrimaryNodeName returns the node the client should use as its
	// primary connection.
	PrimaryNodeName(ctx context.Context) (string, error)
}

// primaryPinner is implemented by coordinators that can send later lookups
// to the primary node once it is known.
type primaryPinner interface {
	PinPrimary(name string)
}

// HTTPCoordinator calls the coordinator endpoints at a base URL, normally
// the cluster's load balancer. Once pinned, requests carry X-Server-Select
// so the balancer routes them to the primary node.
type HTTPCoordinator struct {
	baseURL string
	client  *http.Client
	primary atomic.Pointer[string]
}

// NewHTTPCoordinator creates a coordinator client. A nil client uses one
// with a 20 second timeout.
func NewHTTPCoordinator(baseURL string, client *http.Client) *HTTPCoordinator {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPCoordinator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// PinPrimary routes later lookups to the named node.
func (c *HTTPCoordinator) PinPrimary(name string) {
	c.primary.Store(&name)
}

func (c *HTTPCoordinator) NodeForPlanet(ctx context.Context, planetID int64) (string, error) {
	return c.getText(ctx, PathPlanetNode+strconv.FormatInt(planetID, 10))
}

func (c *HTTPCoordinator) PrimaryNodeName(ctx context.Context) (string, error) {
	return c.getText(ctx, PathNodeName)
}

func (c *HTTPCoordinator) getText(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	if p := c.primary.Load(); p != nil {
		req.Header.Set(wire.HeaderServerSelect, *p)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, PathPlanetNode):
		return "", fmt.Errorf("%w: %s", ErrPlanetNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	name := strings.TrimSpace(string(body))
	if name == "" {
		return "", fmt.Errorf("GET %s: empty node name", path)
	}
	return name, nil
}
