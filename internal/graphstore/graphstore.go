// Package graphstore holds the directed, typed edges linking decisions
// together (relates_to, supersedes, depends_on, contradicts, blocks) and
// answers bounded neighbor/subgraph walks over them (spec §4.K).
package graphstore

import "context"

// Store is the graph backend DecisionStore-adjacent services depend on.
// Journal makes Link durable before returning; Memory keeps edges in process
// memory only.
type Store interface {
	// Link adds a directed edge. Linking the same (from, to, type) pair again
	// overwrites the weight rather than creating a duplicate edge.
	Link(ctx context.Context, edge Edge) error
	// Neighbors returns edges directly touching id, optionally filtered to the
	// given edge types (all types if empty).
	Neighbors(ctx context.Context, id string, types []string) ([]NeighborEdge, error)
	// Subgraph walks outward from root up to depth hops (capped at 3 by
	// callers per §4.K), optionally filtered to the given edge types.
	Subgraph(ctx context.Context, root string, depth int, types []string) (Subgraph, error)
	Close() error
}

// Edge mirrors model.GraphEdge but keeps this package's public surface
// independent of the model package's JSON tagging concerns.
type Edge struct {
	FromID string
	ToID   string
	Type   string
	Weight float64
}

// NeighborEdge pairs an edge with the direction it was traversed relative to
// the query root.
type NeighborEdge struct {
	Edge    Edge
	Outward bool // true if root is the From side
}

// Subgraph is the result of a bounded walk from a root node.
type Subgraph struct {
	RootID string
	Nodes  []string
	Edges  []NeighborEdge
}

// symmetricTypes are the edge types that carry no direction in meaning even
// though storage keeps a single directed row, matching model.Symmetric's
// relates_to convention.
var symmetricTypes = map[string]bool{"relates_to": true}

// Symmetric reports whether edgeType is a symmetric type. Neighbors and
// Subgraph do not consult it: they follow edges of every type in both
// directions and mark each with Outward.
func Symmetric(edgeType string) bool { return symmetricTypes[edgeType] }
