package graphstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalReplaysAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.jsonl")

	j, err := NewJournal(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Link(ctx, Edge{FromID: "a", ToID: "b", Type: "relates_to", Weight: 1}))
	require.NoError(t, j.Link(ctx, Edge{FromID: "b", ToID: "c", Type: "depends_on", Weight: 1}))
	require.NoError(t, j.Close())

	reopened, err := NewJournal(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	neighbors, err := reopened.Neighbors(ctx, "a", nil)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	require.Equal(t, "b", neighbors[0].Edge.ToID)

	sg, err := reopened.Subgraph(ctx, "a", 2, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, sg.Nodes)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
