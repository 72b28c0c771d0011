// Package vectorstore defines the VectorStore interface (§4.A) and its
// backends: an in-memory reference implementation, a Qdrant-backed
// implementation that exposes native hybrid search, and a pgvector-backed
// implementation with vector search only — the query service falls back to
// merging its own BM25 pass with Query results for backends that don't
// implement NativeHybrid.
package vectorstore

import "context"

// Match is one VectorStore.Query/HybridQuery result, sorted ascending by
// Distance (lower is closer).
type Match struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// Store is the narrow similarity-search interface the query service depends
// on. Implementations must time out individual network calls (default 10s)
// and surface the timeout as storeerr.ErrTimeout.
type Store interface {
	Upsert(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error

	// Query returns up to n matches ordered ascending by distance. where, when
	// non-nil, restricts to metadata matching all key/value pairs exactly.
	Query(ctx context.Context, embedding []float32, n int, where map[string]any) ([]Match, error)

	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	Close() error
}

// NativeHybrid is implemented by backends whose wire protocol supports
// server-side fused dense+sparse ranking (Qdrant). The query service type-
// asserts for this interface and prefers it over its own BM25-merge fallback
// when available.
type NativeHybrid interface {
	HybridQuery(ctx context.Context, text string, embedding []float32, n int, where map[string]any, semanticWeight float64) ([]Match, error)
}
