package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metadata"
	"github.com/orbitchat/orbit/internal/metadata/keys"
)

var (
	// ErrPlanetNotFound is returned when the planet does not exist.
	ErrPlanetNotFound = errors.New("routing: planet not found")

	// ErrNoLiveNodes is returned when no node is registered to take a planet.
	ErrNoLiveNodes = errors.New("routing: no live nodes")
)

const maxAssignAttempts = 5

// PlanetCatalog answers whether a planet exists. The chat service's
// database implements it; AllPlanets accepts every positive id.
type PlanetCatalog interface {
	PlanetExists(ctx context.Context, planetID int64) (bool, error)
}

// AllPlanets is a PlanetCatalog that treats every positive id as existing.
type AllPlanets struct{}

func (AllPlanets) PlanetExists(_ context.Context, planetID int64) (bool, error) {
	return planetID > 0, nil
}

// PlanetAssigner maps planets to live nodes. Assignments are sticky: a planet
// stays on its node for as long as that node is registered.
type PlanetAssigner struct {
	store   metadata.MetadataStore
	nodes   *NodeRegistry
	catalog PlanetCatalog
	logger  *logging.Logger
}

// NewPlanetAssigner creates an assigner. A nil catalog accepts every
// positive planet id.
func NewPlanetAssigner(store metadata.MetadataStore, nodes *NodeRegistry, catalog PlanetCatalog, logger *logging.Logger) *PlanetAssigner {
	if catalog == nil {
		catalog = AllPlanets{}
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &PlanetAssigner{store: store, nodes: nodes, catalog: catalog, logger: logger}
}

// NodeForPlanet returns the name of the node hosting the planet, assigning
// one if the planet is unassigned or its node is gone.
func (a *PlanetAssigner) NodeForPlanet(ctx context.Context, planetID int64) (string, error) {
	exists, err := a.catalog.PlanetExists(ctx, planetID)
	if err != nil {
		return "", fmt.Errorf("failed to look up planet %d: %w", planetID, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %d", ErrPlanetNotFound, planetID)
	}

	key, err := keys.PlanetNodeKey(planetID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlanetNotFound, err)
	}

	for attempt := 0; attempt < maxAssignAttempts; attempt++ {
		res, err := a.store.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to read assignment: %w", err)
		}

		var expected metadata.Version
		if res.Exists {
			current := string(res.Value)
			alive, err := a.nodes.IsAlive(ctx, current)
			if err != nil {
				return "", err
			}
			if alive {
				return current, nil
			}
			expected = res.Version
		}

		live, err := a.nodes.ListNodes(ctx)
		if err != nil {
			return "", err
		}
		owner := PlanetOwner(live, planetID)
		if owner == "" {
			return "", ErrNoLiveNodes
		}

		_, err = a.store.Put(ctx, key, []byte(owner), metadata.WithExpectedVersion(expected))
		if errors.Is(err, metadata.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to write assignment: %w", err)
		}

		fields := map[string]any{"planet": planetID, "node": owner}
		if res.Exists {
			fields["previous"] = string(res.Value)
		}
		a.logger.Infof("planet assigned", fields)
		return owner, nil
	}
	return "", fmt.Errorf("failed to assign planet %d: %w", planetID, metadata.ErrVersionMismatch)
}

// HostedPlanets returns the ids of planets currently assigned to node.
func (a *PlanetAssigner) HostedPlanets(ctx context.Context, node string) ([]int64, error) {
	kvs, err := a.store.List(ctx, keys.PlanetsPrefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	var ids []int64
	for _, kv := range kvs {
		if string(kv.Value) != node {
			continue
		}
		id, err := keys.ParsePlanetNodeKey(kv.Key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
