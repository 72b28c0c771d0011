package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLinkRejectsMissingEndpoint(t *testing.T) {
	m := NewMemory()
	err := m.Link(context.Background(), Edge{FromID: "a"})
	assert.ErrorIs(t, err, errMissingEndpoint)
}

func TestMemoryNeighborsBothDirections(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Link(ctx, Edge{FromID: "a", ToID: "b", Type: "relates_to", Weight: 1}))

	fromA, err := m.Neighbors(ctx, "a", nil)
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.True(t, fromA[0].Outward)

	fromB, err := m.Neighbors(ctx, "b", nil)
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.False(t, fromB[0].Outward)
}

func TestMemoryNeighborsFiltersByType(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Link(ctx, Edge{FromID: "a", ToID: "b", Type: "relates_to"}))
	require.NoError(t, m.Link(ctx, Edge{FromID: "a", ToID: "c", Type: "supersedes"}))

	neighbors, err := m.Neighbors(ctx, "a", []string{"supersedes"})
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "c", neighbors[0].Edge.ToID)
}

func TestMemorySubgraphBoundedByDepth(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Link(ctx, Edge{FromID: "a", ToID: "b", Type: "relates_to"}))
	require.NoError(t, m.Link(ctx, Edge{FromID: "b", ToID: "c", Type: "relates_to"}))
	require.NoError(t, m.Link(ctx, Edge{FromID: "c", ToID: "d", Type: "relates_to"}))

	sg, err := m.Subgraph(ctx, "a", 2, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sg.Nodes)
}

func TestMemoryLinkOverwritesWeightNotDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Link(ctx, Edge{FromID: "a", ToID: "b", Type: "relates_to", Weight: 0.5}))
	require.NoError(t, m.Link(ctx, Edge{FromID: "a", ToID: "b", Type: "relates_to", Weight: 0.9}))

	neighbors, err := m.Neighbors(ctx, "a", nil)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, 0.9, neighbors[0].Edge.Weight)
}
