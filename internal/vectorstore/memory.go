package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Memory is an in-memory reference VectorStore. Query is brute-force cosine
// distance over all stored points — fine for tests and small deployments,
// not for production scale.
type Memory struct {
	mu     sync.RWMutex
	points map[string]point
}

type point struct {
	document  string
	embedding []float32
	metadata  map[string]any
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{points: make(map[string]point)}
}

func (m *Memory) Upsert(_ context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = point{document: document, embedding: embedding, metadata: metadata}
	return nil
}

func (m *Memory) Query(_ context.Context, embedding []float32, n int, where map[string]any) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.points))
	for id, p := range m.points {
		if !matchesWhere(p.metadata, where) {
			continue
		}
		matches = append(matches, Match{
			ID:       id,
			Document: p.document,
			Metadata: p.metadata,
			Distance: cosineDistance(embedding, p.embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if n > 0 && n < len(matches) {
		matches = matches[:n]
	}
	return matches, nil
}

func (m *Memory) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]point)
	return nil
}

func (m *Memory) Close() error { return nil }

func matchesWhere(metadata map[string]any, where map[string]any) bool {
	for k, want := range where {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// cosineDistance returns 1 - cosine_similarity, so 0 means identical
// direction and larger means farther apart, matching VectorStore.Query's
// documented distance convention.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - sim
}
