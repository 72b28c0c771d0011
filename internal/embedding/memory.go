package embedding

import (
	"context"
	"hash/fnv"
)

// Memory is a deterministic, hash-based embedding provider: no model, no
// network call. Used by tests and by deployments with no embedding backend
// configured (semantic retrieval degrades gracefully to near-random vectors
// in that case; keyword mode remains fully functional).
type Memory struct {
	dims  int
	model string
}

// NewMemory returns a Memory provider producing dims-dimensional vectors.
func NewMemory(dims int) *Memory {
	return &Memory{dims: dims, model: "memory-hash"}
}

func (m *Memory) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, m.dims)
	}
	return out, nil
}

func (m *Memory) Dimensions() int { return m.dims }
func (m *Memory) ModelName() string { return m.model }

// hashEmbed derives a deterministic pseudo-embedding from text by seeding a
// simple LCG with an FNV hash of the text, one stream per dimension. Not
// semantically meaningful — purely for exercising the retrieval pipeline
// without a real model.
func hashEmbed(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	state := seed
	for i := range vec {
		state = state*6364136223846793005 + 1442695040888963407
		vec[i] = float32(state>>40) / float32(1<<24) // roughly [0,1)
	}
	return vec
}
