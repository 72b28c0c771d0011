// Package embedding defines the EmbeddingProvider interface (§4.A) and its
// implementations: a deterministic in-memory provider for tests, and an
// Ollama-backed HTTP adapter for production.
package embedding

import "context"

// Provider turns text into fixed-dimension vectors. Ordering of outputs
// matches inputs.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}
