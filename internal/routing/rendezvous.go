package routing

import (
	"hash/fnv"
	"strconv"
)

// RendezvousHash picks the node with the highest FNV-1a score for key.
// Adding or removing a node only moves the keys that node wins or loses.
// Returns "" for an empty node list.
func RendezvousHash(nodes []NodeInfo, key string) string {
	var (
		best     string
		maxScore uint64
	)
	for i, n := range nodes {
		score := computeScore(n.Name, key)
		if i == 0 || score > maxScore {
			maxScore = score
			best = n.Name
		}
	}
	return best
}

// PlanetOwner is RendezvousHash keyed by planet id.
func PlanetOwner(nodes []NodeInfo, planetID int64) string {
	return RendezvousHash(nodes, strconv.FormatInt(planetID, 10))
}

func computeScore(node, key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(node))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return h.Sum64()
}
