package model

import "time"

// EdgeType is the relationship a GraphEdge represents between two decisions.
type EdgeType string

const (
	EdgeRelatesTo  EdgeType = "relates_to"
	EdgeSupersedes EdgeType = "supersedes"
	EdgeDependsOn  EdgeType = "depends_on"
	EdgeContradicts EdgeType = "contradicts"
	EdgeBlocks     EdgeType = "blocks"
)

// GraphEdge is a directed, typed, weighted link between two decisions.
// relates_to is symmetric by convention: stored once, but neighbor/subgraph
// queries treat it as traversable in both directions.
type GraphEdge struct {
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Type      EdgeType  `json:"type"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// symmetric reports whether edges of this type should be traversed in both
// directions by neighbor/subgraph queries even though storage keeps a single
// directed row.
func (t EdgeType) symmetric() bool {
	return t == EdgeRelatesTo
}

// Symmetric reports whether edges of this type should be traversed in both
// directions by neighbor/subgraph queries even though storage keeps a single
// directed row.
func Symmetric(t EdgeType) bool {
	return t.symmetric()
}

// NeighborEdge pairs a GraphEdge with the direction it was traversed in from
// the query root, so callers can tell incoming from outgoing relationships.
type NeighborEdge struct {
	Edge    GraphEdge `json:"edge"`
	Outward bool      `json:"outward"` // true if root is the From side
}

// Subgraph is the result of a bounded graph walk from a root decision.
type Subgraph struct {
	RootID string         `json:"root_id"`
	Nodes  []string       `json:"nodes"`
	Edges  []NeighborEdge `json:"edges"`
}
