package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cstp-run/blackbox/internal/cstperr"
)

// ProtocolVersion is the wire protocol version advertised in the well-known
// capabilities document, per §6.
const ProtocolVersion = "1"

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// Handler wraps a Dispatcher with the HTTP transport: POST /cstp for
// JSON-RPC calls (single or batched), plus the unauthenticated GET /health
// and GET /.well-known/agent.json endpoints (§6).
type Handler struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewHandler builds the HTTP transport over d.
func NewHandler(d *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{d: d, logger: logger}
}

// Mux builds the root http.Handler, wrapping the routes with recovery and
// access logging middleware.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cstp", h.handleRPC)
	mux.HandleFunc("POST /session", h.handleIssueSession)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /.well-known/agent.json", h.handleWellKnown)

	var handler http.Handler = mux
	handler = h.loggingMiddleware(handler)
	handler = h.recoveryMiddleware(handler)
	return handler
}

func (h *Handler) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "error", rec, "stack", string(debug.Stack()), "path", r.URL.Path)
				writeRPCError(w, nil, cstperr.New(cstperr.KindInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		h.logger.Info("request", "method", r.Method, "path", r.URL.Path,
			"status", wrapped.statusCode, "duration_ms", time.Since(start).Milliseconds())
	})
}

// handleRPC implements POST /cstp, per §6: a single Envelope or a JSON array
// of Envelopes (batch). Every call on the connection shares one bearer token.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, nil, cstperr.New(cstperr.KindParseError, "request body too large or unreadable"))
		return
	}

	agentID, authErr := h.authenticate(r)
	if authErr != nil {
		writeRPCError(w, nil, cstperr.New(cstperr.KindAuthRequired, authErr.Error()))
		return
	}

	if allowed, err := h.d.AllowAgent(r.Context(), agentID); err != nil || !allowed {
		writeRPCError(w, nil, cstperr.New(cstperr.KindRateLimited, "rate limit exceeded"))
		return
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		h.handleBatch(w, r.Context(), agentID, body)
		return
	}
	h.handleSingle(w, r.Context(), agentID, body)
}

func (h *Handler) handleSingle(w http.ResponseWriter, ctx context.Context, agentID string, body []byte) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeRPCError(w, nil, cstperr.New(cstperr.KindParseError, "malformed JSON-RPC request"))
		return
	}
	resp := h.invoke(ctx, agentID, env)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBatch(w http.ResponseWriter, ctx context.Context, agentID string, body []byte) {
	var envs []Envelope
	if err := json.Unmarshal(body, &envs); err != nil {
		writeRPCError(w, nil, cstperr.New(cstperr.KindParseError, "malformed JSON-RPC batch request"))
		return
	}
	if len(envs) == 0 {
		writeRPCError(w, nil, cstperr.New(cstperr.KindInvalidRequest, "batch must not be empty"))
		return
	}
	responses := make([]Response, len(envs))
	for i, env := range envs {
		responses[i] = h.invoke(ctx, agentID, env)
	}
	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) invoke(ctx context.Context, agentID string, env Envelope) Response {
	if env.JSONRPC != "2.0" {
		return errorResponse(env.ID, cstperr.New(cstperr.KindInvalidRequest, `jsonrpc must be "2.0"`))
	}
	if env.Method == "" {
		return errorResponse(env.ID, cstperr.New(cstperr.KindInvalidRequest, "method is required"))
	}

	result, err := h.d.Dispatch(ctx, agentID, env.Method, env.Params)
	if err != nil {
		return errorResponse(env.ID, err)
	}
	return Response{JSONRPC: "2.0", Result: result, ID: env.ID}
}

// authenticate extracts and validates the "Authorization: Bearer
// <agent-id>:<secret>" header, per §6.
func (h *Handler) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errMissingBearer
	}
	token := strings.TrimPrefix(header, prefix)
	return h.d.Authenticate(token)
}

var errMissingBearer = cstperr.New(cstperr.KindAuthRequired, "missing bearer token")

// handleIssueSession exchanges an agent:secret bearer credential for a
// short-lived session-resumption JWT, so a long-lived agent session doesn't
// need to keep re-presenting its secret on every call. No-op error if
// session tokens were never enabled (memory-only deployments).
func (h *Handler) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	agentID, err := h.authenticate(r)
	if err != nil {
		writeRPCError(w, nil, cstperr.New(cstperr.KindAuthRequired, err.Error()))
		return
	}
	token, expiresAt, err := h.d.IssueSessionToken(agentID)
	if err != nil {
		writeRPCError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// handleHealth serves GET /health, unauthenticated, per §6.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.d.Version(),
		"uptime_seconds": int(h.d.Uptime().Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleWellKnown serves GET /.well-known/agent.json, unauthenticated,
// advertising the registered method set so a calling agent can discover
// capabilities without a separate introspection call, per §6.
func (h *Handler) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            "cstp",
		"description":     "decision-context protocol server for autonomous agents",
		"version":         h.d.Version(),
		"protocol":        "cstp",
		"protocolVersion": ProtocolVersion,
		"capabilities":    h.d.MethodNames(),
	})
}

func errorResponse(id any, err error) Response {
	cerr, ok := cstperr.As(err)
	if !ok {
		cerr = cstperr.Wrap(cstperr.KindInternal, "internal error", err, false)
	}
	rpcErr := &RPCError{Code: cstperr.Code(cerr.Kind), Message: cerr.Message}
	if cerr.Safe && cerr.Cause != nil {
		rpcErr.Data = cerr.Cause.Error()
	}
	return Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
}

func writeRPCError(w http.ResponseWriter, id any, err error) {
	writeJSON(w, http.StatusOK, errorResponse(id, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
