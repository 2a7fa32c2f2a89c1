// Package graphstore implements the knowledge graph store: a directed
// multigraph of typed nodes and relations with bounded breadth-first
// traversal. Two backends share the contract, the embedded snapshot store
// and Neo4j.
package graphstore

import (
	"context"

	"github.com/halcyonsec/kbagent/knowledge"
)

// HopDecay is multiplied into a path's weight once per hop so that indirect
// relationships always rank below direct ones.
const HopDecay = 0.7

// DefaultMaxHops bounds traversal on dense finding graphs.
const DefaultMaxHops = 2

// Path is one traversal result: the node sequence from a start node to the
// reached node, the relations walked, and the decayed weight.
type Path struct {
	Nodes     []string             `json:"nodes"`
	Relations []knowledge.Relation `json:"relations"`
	Target    knowledge.Node       `json:"target"`
	Weight    float64              `json:"weight"`
}

// Hops is the number of edges the path crossed.
func (p Path) Hops() int {
	return len(p.Relations)
}

// Store is the knowledge graph contract. AddNode and AddEdge are idempotent
// merges: re-adding updates attributes instead of duplicating.
type Store interface {
	AddNode(ctx context.Context, node knowledge.Node) error
	AddEdge(ctx context.Context, edge knowledge.Edge) error

	// MatchNodes resolves traversal start nodes by exact id match or
	// case-insensitive substring match over node attributes. No match is an
	// empty result, not an error.
	MatchNodes(ctx context.Context, terms []string) ([]knowledge.Node, error)

	// Traverse walks breadth-first from the start nodes, bounded by
	// maxHops, optionally restricted to a relation set. Each reached node
	// yields one shortest path with per-hop decayed weight.
	Traverse(ctx context.Context, startIDs []string, relations []knowledge.Relation, maxHops int) ([]Path, error)

	NodeCount(ctx context.Context) (int, error)
	EdgeCount(ctx context.Context) (int, error)

	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

func relationAllowed(rel knowledge.Relation, filter []knowledge.Relation) bool {
	if len(filter) == 0 {
		return true
	}
	for _, allowed := range filter {
		if rel == allowed {
			return true
		}
	}
	return false
}
