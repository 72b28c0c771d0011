package embedding

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOllamaEmbedUsesNativeBatch(t *testing.T) {
	var gotInput any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotInput = req.Input
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embeddings: [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "mxbai-embed-large", 2, testLogger())
	vecs, err := p.Embed(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])

	items, ok := gotInput.([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestOllamaEmbedFallsBackToConcurrentOnBatchMismatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls++
		if _, isSlice := req.Input.([]any); isSlice {
			// simulate a server that ignores batch input and returns one vector
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{0, 0}}})
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 1}}})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "mxbai-embed-large", 2, testLogger())
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Equal(t, []float32{1, 1}, v)
	}
}

func TestOllamaEmbedSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "mxbai-embed-large", 2, testLogger())
	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestTruncateTextCutsAtWordBoundary(t *testing.T) {
	s := "the quick brown fox jumps over the lazy dog"
	got := truncateText(s, 12)
	assert.LessOrEqual(t, len(got), 12)
	assert.NotContains(t, got, "jumps")
}

func TestTruncateTextNoopUnderLimit(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 100))
}
