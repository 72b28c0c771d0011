package cstp

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	decisionsPath     string
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	retriever         Retriever
	eventHooks        []EventHook
	routeRegistrars   []RouteRegistrar
	middlewares       []Middleware
	guardrailsPaths   []string
}

// WithPort overrides the TCP port from config (CSTP_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDecisionsPath overrides the filesystem root used for sqlite/journal
// persistence (CSTP_DECISIONS_PATH env var).
func WithDecisionsPath(path string) Option {
	return func(o *resolvedOptions) { o.decisionsPath = path }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App. If not set, the default
// slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, the
// agent.json self-description, and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the config-selected embedding provider
// (memory or Ollama).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithRetriever replaces the config-selected vector backend (memory, Qdrant,
// or pgvector) for the semantic half of hybrid retrieval. The keyword (BM25)
// half always runs against the in-process decision store regardless.
func WithRetriever(r Retriever) Option {
	return func(o *resolvedOptions) { o.retriever = r }
}

// WithEventHook registers an event hook to receive decision lifecycle
// notifications. Multiple hooks may be registered; all registered hooks
// receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration
// order, after the built-in /cstp, /mcp, /health, and /.well-known routes.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware. Multiple
// middlewares may be registered; applied in registration order (the
// first-registered middleware is outermost, called first on every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithGuardrailsPaths overrides the directories scanned for guardrail rule
// YAML files (CSTP_GUARDRAILS_PATHS env var).
func WithGuardrailsPaths(dirs ...string) Option {
	return func(o *resolvedOptions) { o.guardrailsPaths = dirs }
}
