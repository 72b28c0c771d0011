package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueryOrdersByDistanceAscending(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Upsert(ctx, "a", "doc a", []float32{1, 0, 0}, nil))
	require.NoError(t, store.Upsert(ctx, "b", "doc b", []float32{0, 1, 0}, nil))
	require.NoError(t, store.Upsert(ctx, "c", "doc c", []float32{0.9, 0.1, 0}, nil))

	matches, err := store.Query(ctx, []float32{1, 0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "a", matches[0].ID)
	assert.Less(t, matches[0].Distance, matches[1].Distance)
}

func TestMemoryQueryAppliesWhereFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Upsert(ctx, "a", "doc a", []float32{1, 0}, map[string]any{"category": "architecture"}))
	require.NoError(t, store.Upsert(ctx, "b", "doc b", []float32{1, 0}, map[string]any{"category": "security"}))

	matches, err := store.Query(ctx, []float32{1, 0}, 10, map[string]any{"category": "security"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].ID)
}

func TestMemoryDeleteRemovesPoints(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Upsert(ctx, "a", "doc", []float32{1}, nil))
	require.NoError(t, store.Delete(ctx, []string{"a"}))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCosineDistanceIdenticalVectorsIsZero(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
}
