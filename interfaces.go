package cstp

import (
	"context"
	"net/http"
)

// EmbeddingProvider generates vector embeddings from text. When supplied via
// WithEmbeddingProvider, it replaces the config-selected memory/ollama
// provider. Uses []float32 rather than any internal vector type, so
// implementing this interface never forces an internal package import.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// Retriever is a vector similarity search backend for decisions. When
// supplied via WithRetriever, it replaces the config-selected
// memory/qdrant/pgvector store for the semantic half of hybrid retrieval.
type Retriever interface {
	Search(ctx context.Context, queryVector []float32, limit int) ([]RetrievalResult, error)
	Healthy(ctx context.Context) error
}

// EventHook receives asynchronous notifications for decision lifecycle
// events. Multiple hooks may be registered via multiple WithEventHook calls;
// all registered hooks receive every event. Hook methods run in goroutines —
// they must not block indefinitely, and a failure is logged but never fails
// the originating JSON-RPC or tool call.
type EventHook interface {
	OnDecisionRecorded(ctx context.Context, decision Decision) error
	OnDecisionReviewed(ctx context.Context, decision Decision, outcome OutcomeKind) error
	OnGuardrailViolation(ctx context.Context, violation GuardrailViolation) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux,
// alongside the JSON-RPC and MCP surfaces. Called once during New(), after
// the built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost — it sees every
// request, including /health and /.well-known/agent.json. Multiple
// middlewares apply in registration order (first-registered is outermost).
type Middleware func(http.Handler) http.Handler
