package routing

import (
	"testing"

	"github.com/google/uuid"
)

func nodeList(names ...string) []NodeInfo {
	nodes := make([]NodeInfo, len(names))
	for i, n := range names {
		nodes[i] = NodeInfo{Name: n}
	}
	return nodes
}

func TestRendezvousHash_Empty(t *testing.T) {
	if got := RendezvousHash(nil, "1"); got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestRendezvousHash_SingleNode(t *testing.T) {
	nodes := nodeList("alpha")
	for _, key := range []string{"1", "2", "300"} {
		if got := RendezvousHash(nodes, key); got != "alpha" {
			t.Errorf("RendezvousHash(%q) = %q", key, got)
		}
	}
}

func TestRendezvousHash_OrderIndependent(t *testing.T) {
	a := nodeList("alpha", "beta", "gamma")
	b := nodeList("gamma", "alpha", "beta")
	for id := int64(1); id <= 200; id++ {
		if PlanetOwner(a, id) != PlanetOwner(b, id) {
			t.Fatalf("order affected owner of planet %d", id)
		}
	}
}

func TestRendezvousHash_Distribution(t *testing.T) {
	var names []string
	for i := 0; i < 4; i++ {
		names = append(names, uuid.NewString())
	}
	nodes := nodeList(names...)

	counts := make(map[string]int)
	const planets = 4000
	for id := int64(1); id <= planets; id++ {
		counts[PlanetOwner(nodes, id)]++
	}
	for _, n := range names {
		// Loose bound: each node should get at least half its fair share.
		if counts[n] < planets/len(names)/2 {
			t.Errorf("node %s got %d of %d planets", n, counts[n], planets)
		}
	}
}

func TestRendezvousHash_MinimalMovement(t *testing.T) {
	before := nodeList("alpha", "beta", "gamma")
	after := nodeList("alpha", "beta", "gamma", "delta")

	for id := int64(1); id <= 1000; id++ {
		old, cur := PlanetOwner(before, id), PlanetOwner(after, id)
		if old != cur && cur != "delta" {
			t.Fatalf("planet %d moved %s -> %s on node add", id, old, cur)
		}
	}
}

func TestComputeScoreSeparatesFields(t *testing.T) {
	if computeScore("ab", "c") == computeScore("a", "bc") {
		t.Error("score collision for split fields")
	}
}
