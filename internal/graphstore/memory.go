package graphstore

import (
	"context"
	"errors"
	"sync"
)

var errMissingEndpoint = errors.New("graphstore: edge requires both from and to ids")

type edgeKey struct {
	from, to, typ string
}

// Memory is an in-process adjacency-list graph store. Not durable on its
// own; Journal wraps it with an append-only log for crash recovery.
type Memory struct {
	mu    sync.RWMutex
	edges map[edgeKey]Edge
	// out/in index edges by endpoint for O(degree) neighbor lookups instead
	// of a full scan of edges on every call.
	out map[string][]edgeKey
	in  map[string][]edgeKey
}

// NewMemory returns an empty graph store.
func NewMemory() *Memory {
	return &Memory{
		edges: make(map[edgeKey]Edge),
		out:   make(map[string][]edgeKey),
		in:    make(map[string][]edgeKey),
	}
}

func (m *Memory) Link(_ context.Context, edge Edge) error { return m.link(edge) }

func (m *Memory) link(edge Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkLocked(edge)
}

func (m *Memory) linkLocked(edge Edge) error {
	if edge.FromID == "" || edge.ToID == "" {
		return errMissingEndpoint
	}
	key := edgeKey{edge.FromID, edge.ToID, edge.Type}
	if _, exists := m.edges[key]; !exists {
		m.out[edge.FromID] = append(m.out[edge.FromID], key)
		m.in[edge.ToID] = append(m.in[edge.ToID], key)
	}
	m.edges[key] = edge
	return nil
}

func (m *Memory) Neighbors(_ context.Context, id string, types []string) ([]NeighborEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.neighborsLocked(id, typeSet(types)), nil
}

func (m *Memory) neighborsLocked(id string, types map[string]bool) []NeighborEdge {
	var out []NeighborEdge
	seen := make(map[edgeKey]bool)
	for _, key := range m.out[id] {
		e := m.edges[key]
		if !matchesType(e.Type, types) || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, NeighborEdge{Edge: e, Outward: true})
	}
	for _, key := range m.in[id] {
		e := m.edges[key]
		if !matchesType(e.Type, types) || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, NeighborEdge{Edge: e, Outward: false})
	}
	// Symmetric edge types were stored once (directed), but appear as
	// outward from both sides conceptually; a node's own out-edges already
	// cover the case where it is the From side, and its in-edges cover
	// being the To side — both already collected above.
	return out
}

func (m *Memory) Subgraph(_ context.Context, root string, depth int, types []string) (Subgraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	typeFilter := typeSet(types)
	visited := map[string]bool{root: true}
	order := []string{root}
	frontier := []string{root}
	var allEdges []NeighborEdge
	seenEdges := make(map[edgeKey]bool)

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, node := range frontier {
			for _, ne := range m.neighborsLocked(node, typeFilter) {
				key := edgeKey{ne.Edge.FromID, ne.Edge.ToID, ne.Edge.Type}
				if !seenEdges[key] {
					seenEdges[key] = true
					allEdges = append(allEdges, ne)
				}
				other := ne.Edge.ToID
				if node == ne.Edge.ToID {
					other = ne.Edge.FromID
				}
				if !visited[other] {
					visited[other] = true
					order = append(order, other)
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	return Subgraph{RootID: root, Nodes: order, Edges: allEdges}, nil
}

func (m *Memory) Close() error { return nil }

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	s := make(map[string]bool, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

func matchesType(t string, set map[string]bool) bool {
	if set == nil {
		return true
	}
	return set[t]
}
