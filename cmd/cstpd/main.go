package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
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
	"github.com/cstp-run/blackbox/internal/preaction"
	"github.com/cstp-run/blackbox/internal/query"
	"github.com/cstp-run/blackbox/internal/ratelimit"
	"github.com/cstp-run/blackbox/internal/ready"
	"github.com/cstp-run/blackbox/internal/telemetry"
	"github.com/cstp-run/blackbox/internal/toolsurface"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("CSTP_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("cstpd starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, closeStore, err := newDecisionStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("decisionstore: %w", err)
	}
	defer closeStore()

	vec, closeVec, err := newVectorStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}
	defer closeVec()

	embed := newEmbeddingProvider(cfg, logger)

	graph, closeGraph, err := newGraphStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("graphstore: %w", err)
	}
	defer closeGraph()

	engine, err := guardrail.NewEngine(cfg.GuardrailsPaths)
	if err != nil {
		return fmt.Errorf("guardrail rules: %w", err)
	}

	trk := tracker.New(time.Duration(cfg.TrackerTTLSeconds) * time.Second)
	trk.Start(ctx, time.Minute)
	defer func() { _ = trk.Close() }()

	table, err := newAuthTable(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, time.Duration(cfg.JWTExpirationSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("jwt: %w", err)
	}

	limiter := ratelimit.NewMemoryLimiter(10, 30)
	defer func() { _ = limiter.Close() }()

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

	tools := toolsurface.New(d, version, logger)

	mux := http.NewServeMux()
	mux.Handle("/", dispatch.NewHandler(d, logger).Mux())
	mux.Handle("/mcp", authenticateMCP(d, logger, mcpserver.NewStreamableHTTPServer(tools.MCPServer())))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("cstpd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("cstpd stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newAuthTable(cfg config.Config) (*auth.Table, error) {
	table := auth.NewTable()
	for _, pair := range cfg.AuthTokens {
		idx := indexByte(pair, ':')
		if idx < 0 {
			return nil, fmt.Errorf("auth: malformed CSTP_AUTH_TOKENS entry %q", pair)
		}
		if err := table.Register(pair[:idx], pair[idx+1:]); err != nil {
			return nil, fmt.Errorf("auth: register %q: %w", pair[:idx], err)
		}
	}
	return table, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func newDecisionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (decisionstore.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := decisionstore.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("decisionstore: postgres")
		return pg, func() { _ = pg.Close() }, nil
	case cfg.DecisionsPath != "" && cfg.DecisionsPath != ":memory:":
		path := filepath.Join(cfg.DecisionsPath, "decisions.sqlite")
		if err := os.MkdirAll(cfg.DecisionsPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create decisions dir: %w", err)
		}
		sq, err := decisionstore.NewSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("decisionstore: sqlite", "path", path)
		return sq, func() { _ = sq.Close() }, nil
	default:
		logger.Info("decisionstore: memory")
		m := decisionstore.NewMemory()
		return m, func() { _ = m.Close() }, nil
	}
}

func newVectorStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (vectorstore.Store, func(), error) {
	switch cfg.VectorBackend {
	case "qdrant":
		q, err := vectorstore.NewQdrant(ctx, vectorstore.QdrantConfig{
			URL: cfg.VectorURL, Collection: cfg.VectorCollection, Dims: uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("vectorstore: qdrant", "collection", cfg.VectorCollection)
		return q, func() { _ = q.Close() }, nil
	case "pgvector":
		pv, err := vectorstore.NewPGVector(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("vectorstore: pgvector")
		return pv, func() { _ = pv.Close() }, nil
	default:
		logger.Info("vectorstore: memory")
		m := vectorstore.NewMemory()
		return m, func() { _ = m.Close() }, nil
	}
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedding: ollama", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel)
		return embedding.NewOllama(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions, logger)
	default:
		logger.Info("embedding: memory (deterministic, no semantic meaning)")
		return embedding.NewMemory(cfg.EmbeddingDimensions)
	}
}

func newGraphStore(cfg config.Config, logger *slog.Logger) (graphstore.Store, func(), error) {
	if cfg.DecisionsPath == "" || cfg.DecisionsPath == ":memory:" {
		logger.Info("graphstore: memory")
		m := graphstore.NewMemory()
		return m, func() { _ = m.Close() }, nil
	}
	if err := os.MkdirAll(cfg.DecisionsPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create decisions dir: %w", err)
	}
	path := filepath.Join(cfg.DecisionsPath, "graph.jsonl")
	j, err := graphstore.NewJournal(path, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("graphstore: journal", "path", path)
	return j, func() { _ = j.Close() }, nil
}

// authenticateMCP wraps the MCP StreamableHTTP transport with the same
// bearer-token auth the JSON-RPC surface uses, attaching the resolved agent
// id to the request context so toolsurface handlers can recover it.
func authenticateMCP(d *dispatch.Dispatcher, logger *slog.Logger, next http.Handler) http.Handler {
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
		ctx := toolsurface.WithAgentID(r.Context(), agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
