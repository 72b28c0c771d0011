// Package cstp is the public API for embedding the cstp decision-context
// server. Enterprise and plugin consumers import this package to construct
// and extend the server without forking it:
//
//	app, err := cstp.New(
//	    cstp.WithVersion(version),
//	    cstp.WithLogger(logger),
//	    cstp.WithEventHook(myHook{}),
//	    cstp.WithExtraRoutes(myExtraRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: cstp (root) imports
// internal/*, but internal/* never imports cstp (root). Public types
// (Decision, GuardrailViolation, …) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package cstp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/cstp-run/blackbox/internal/auth"
	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/config"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/dispatch"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/graphstore"
	"github.com/cstp-run/blackbox/internal/guardrail"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/preaction"
	"github.com/cstp-run/blackbox/internal/query"
	"github.com/cstp-run/blackbox/internal/ratelimit"
	"github.com/cstp-run/blackbox/internal/ready"
	"github.com/cstp-run/blackbox/internal/telemetry"
	"github.com/cstp-run/blackbox/internal/toolsurface"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

// App is the cstpd server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	dispatcher   *dispatch.Dispatcher
	tools        *toolsurface.Server
	httpServer   *http.Server
	tracker      *tracker.Tracker
	closers      []func() error
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New wires storage, services, and both transport surfaces into a
// ready-to-run App. It does not start any goroutines or accept HTTP
// connections — call Run() for that.
func New(opts ...Option) (*App, error) {
	var o resolvedOptions
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.decisionsPath != "" {
		cfg.DecisionsPath = o.decisionsPath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if len(o.guardrailsPaths) > 0 {
		cfg.GuardrailsPaths = o.guardrailsPaths
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("cstp starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	store, closeStore, err := buildDecisionStore(context.Background(), cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("decisionstore: %w", err))
	}
	closers = append(closers, closeStore)

	var vec vectorstore.Store
	if o.retriever != nil {
		vec = &retrieverStore{r: o.retriever}
	} else {
		var closeVec func() error
		vec, closeVec, err = buildVectorStore(context.Background(), cfg, logger)
		if err != nil {
			return fail(fmt.Errorf("vectorstore: %w", err))
		}
		closers = append(closers, closeVec)
	}

	var embed embedding.Provider
	if o.embeddingProvider != nil {
		embed = o.embeddingProvider
	} else {
		embed = buildEmbeddingProvider(cfg, logger)
	}

	graph, closeGraph, err := buildGraphStore(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("graphstore: %w", err))
	}
	closers = append(closers, closeGraph)

	engine, err := guardrail.NewEngine(cfg.GuardrailsPaths)
	if err != nil {
		return fail(fmt.Errorf("guardrail rules: %w", err))
	}

	trk := tracker.New(time.Duration(cfg.TrackerTTLSeconds) * time.Second)

	table, err := buildAuthTable(cfg)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, time.Duration(cfg.JWTExpirationSeconds)*time.Second)
	if err != nil {
		return fail(fmt.Errorf("jwt: %w", err))
	}

	limiter := ratelimit.NewMemoryLimiter(10, 30)
	closers = append(closers, func() error { return limiter.Close() })

	checker := guardrail.NewChecker(engine, store, vec, embed)
	qSvc := query.New(store, vec, embed, trk)
	decSvc := decisions.New(store, vec, graph, embed, checker, trk)
	calSvc := calibration.New(store)
	rdySvc := ready.New(store, calSvc)
	preSvc := preaction.New(qSvc, checker, calSvc, decSvc, rdySvc)

	d := dispatch.New(dispatch.Services{
		Query: qSvc, Decisions: decSvc, Guardrails: checker, Calibration: calSvc,
		Ready: rdySvc, PreAction: preSvc, Tracker: trk, Graph: graph,
		DecisionStore: store, Vector: vec, Embed: embed,
	}, table, limiter, dispatch.Limits{
		WorkerPoolSize:   cfg.WorkerPoolSize,
		RequestQueueSize: cfg.RequestQueueSize,
		CallTimeout:      time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		HandlerBudget:    time.Duration(cfg.HandlerBudgetSeconds) * time.Second,
	}, logger, version)
	d.EnableSessionTokens(jwtMgr)
	d.EnableMetrics(telemetry.NewMetrics())

	for _, hook := range o.eventHooks {
		d.AddHook(&hookAdapter{hook: hook})
	}

	tools := toolsurface.New(d, version, logger)

	mux := http.NewServeMux()
	mux.Handle("/", dispatch.NewHandler(d, logger).Mux())
	mux.Handle("/mcp", authenticateMCP(d, mcpserver.NewStreamableHTTPServer(tools.MCPServer())))
	for _, fn := range o.routeRegistrars {
		fn(mux)
	}

	var handler http.Handler = mux
	for i := len(o.middlewares) - 1; i >= 0; i-- {
		handler = o.middlewares[i](handler)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &App{
		cfg: cfg, dispatcher: d, tools: tools, httpServer: httpServer,
		tracker: trk, closers: closers, otelShutdown: otelShutdown,
		logger: logger, version: version,
	}, nil
}

// Run starts the deliberation tracker's sweep loop and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	a.tracker.Start(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, and closes
// every backing store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("cstp shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.tracker.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown: resource close failed", "error", err)
		}
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("cstp stopped")
	return nil
}

// ── Backend selection (shared shape with cmd/cstpd/main.go; kept separate
// since this package's wiring must stay importable without cmd/cstpd) ──────

func buildDecisionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (decisionstore.Store, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := decisionstore.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case cfg.DecisionsPath != "" && cfg.DecisionsPath != ":memory:":
		if err := os.MkdirAll(cfg.DecisionsPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create decisions dir: %w", err)
		}
		sq, err := decisionstore.NewSQLite(ctx, filepath.Join(cfg.DecisionsPath, "decisions.sqlite"))
		if err != nil {
			return nil, nil, err
		}
		return sq, sq.Close, nil
	default:
		m := decisionstore.NewMemory()
		return m, m.Close, nil
	}
}

func buildVectorStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (vectorstore.Store, func() error, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		q, err := vectorstore.NewQdrant(ctx, vectorstore.QdrantConfig{
			URL: cfg.VectorURL, Collection: cfg.VectorCollection, Dims: uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	case "pgvector":
		pv, err := vectorstore.NewPGVector(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pv, pv.Close, nil
	default:
		m := vectorstore.NewMemory()
		return m, m.Close, nil
	}
}

func buildEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	if cfg.EmbeddingProvider == "ollama" {
		return embedding.NewOllama(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions, logger)
	}
	return embedding.NewMemory(cfg.EmbeddingDimensions)
}

func buildGraphStore(cfg config.Config, logger *slog.Logger) (graphstore.Store, func() error, error) {
	if cfg.DecisionsPath == "" || cfg.DecisionsPath == ":memory:" {
		m := graphstore.NewMemory()
		return m, m.Close, nil
	}
	if err := os.MkdirAll(cfg.DecisionsPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create decisions dir: %w", err)
	}
	j, err := graphstore.NewJournal(filepath.Join(cfg.DecisionsPath, "graph.jsonl"), logger)
	if err != nil {
		return nil, nil, err
	}
	return j, j.Close, nil
}

func buildAuthTable(cfg config.Config) (*auth.Table, error) {
	table := auth.NewTable()
	for _, pair := range cfg.AuthTokens {
		var idx = -1
		for i := 0; i < len(pair); i++ {
			if pair[i] == ':' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("auth: malformed CSTP_AUTH_TOKENS entry %q", pair)
		}
		if err := table.Register(pair[:idx], pair[idx+1:]); err != nil {
			return nil, fmt.Errorf("auth: register %q: %w", pair[:idx], err)
		}
	}
	return table, nil
}

// authenticateMCP wraps the MCP StreamableHTTP transport with the same
// bearer-token auth the JSON-RPC surface uses, attaching the resolved agent
// id to the request context so toolsurface handlers can recover it.
func authenticateMCP(d *dispatch.Dispatcher, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		agentID, err := d.Authenticate(header[len(prefix):])
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(toolsurface.WithAgentID(r.Context(), agentID)))
	})
}

// ── Adapters (defined here because this file imports both sides) ───────────

// hookAdapter wraps a public EventHook to satisfy dispatch.Hook, converting
// internal model types to public cstp types at the boundary.
type hookAdapter struct {
	hook EventHook
}

func (a *hookAdapter) OnDecisionRecorded(ctx context.Context, d model.Decision) error {
	return a.hook.OnDecisionRecorded(ctx, toPublicDecision(d))
}

func (a *hookAdapter) OnDecisionReviewed(ctx context.Context, d model.Decision, outcome model.OutcomeKind) error {
	return a.hook.OnDecisionReviewed(ctx, toPublicDecision(d), OutcomeKind(outcome))
}

func (a *hookAdapter) OnGuardrailViolation(ctx context.Context, v model.GuardrailResult, action model.ActionContext, agentID string) error {
	return a.hook.OnGuardrailViolation(ctx, GuardrailViolation{
		GuardrailID: v.GuardrailID,
		Action:      action.Description,
		Severity:    string(v.Severity),
		Message:     v.Message,
		AgentID:     agentID,
		DetectedAt:  time.Now(),
	})
}

// retrieverStore adapts a public Retriever to the internal vectorstore.Store
// interface the query service depends on. Only Query is meaningful; Upsert
// and the maintenance operations are no-ops since an external Retriever owns
// its own indexing pipeline.
type retrieverStore struct {
	r Retriever
}

func (s *retrieverStore) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}

func (s *retrieverStore) Query(ctx context.Context, embedding []float32, n int, _ map[string]any) ([]vectorstore.Match, error) {
	results, err := s.r.Search(ctx, embedding, n)
	if err != nil {
		return nil, err
	}
	matches := make([]vectorstore.Match, len(results))
	for i, r := range results {
		matches[i] = vectorstore.Match{ID: r.DecisionID, Distance: 1 - r.Score}
	}
	return matches, nil
}

func (s *retrieverStore) Delete(context.Context, []string) error { return nil }
func (s *retrieverStore) Count(context.Context) (int, error)     { return 0, nil }
func (s *retrieverStore) Reset(context.Context) error             { return nil }
func (s *retrieverStore) Close() error                            { return nil }

// toPublicDecision converts an internal model.Decision to the public
// cstp.Decision. Lives here because this is the only file that imports both
// sides of the boundary.
func toPublicDecision(d model.Decision) Decision {
	var outcome *OutcomeKind
	if d.Outcome != nil {
		o := OutcomeKind(d.Outcome.Outcome)
		outcome = &o
	}
	return Decision{
		ID: d.ID, DecisionText: d.DecisionText, Context: d.Context, Category: d.Category,
		Stakes: Stakes(d.Stakes), Confidence: d.Confidence, AgentID: d.AgentID,
		CreatedAt: d.CreatedAt, Project: d.Project, Tags: d.Tags, Outcome: outcome,
	}
}
