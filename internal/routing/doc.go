// Package routing decides which node serves a planet and lets clients find
// it.
//
// # Node Registration
//
// Every node registers itself under an ephemeral metadata key that is
// deleted automatically when the node's session expires:
//
//	/orbit/v1/nodes/<name>
//
// The value is a JSON NodeInfo:
//
//	{
//	  "name": "alpha",
//	  "advertisedUrl": "http://alpha.internal:5000",
//	  "startedAt": 1703721600000,
//	  "buildInfo": {"version": "0.1.0", "gitCommit": "abc123"}
//	}
//
// A node is alive exactly while its key exists.
//
// # Planet Assignment
//
// The node hosting a planet is stored at
//
//	/orbit/v1/planets/<zero-padded id>/node
//
// When the key is missing or names a dead node, PlanetAssigner picks a live
// node with rendezvous hashing and writes the choice with a compare-and-set,
// so concurrent coordinators agree on one owner.
//
// # Client Directory
//
// Directory is the client half: it asks the coordinator which node hosts a
// planet, caches the answer and opens one session per node. Cached routes
// are hints. A caller that gets a misdirect or permission error from a node
// calls Forget and resolves again.
package routing
