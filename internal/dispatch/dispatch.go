// Package dispatch implements the JSON-RPC 2.0 request dispatcher: method
// registration, bearer-token auth, param normalization, the bounded worker
// pool, and per-call/handler timeout budgets (spec §4.J, §5).
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cstp-run/blackbox/internal/auth"
	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/graphstore"
	"github.com/cstp-run/blackbox/internal/guardrail"
	"github.com/cstp-run/blackbox/internal/preaction"
	"github.com/cstp-run/blackbox/internal/query"
	"github.com/cstp-run/blackbox/internal/ratelimit"
	"github.com/cstp-run/blackbox/internal/ready"
	"github.com/cstp-run/blackbox/internal/telemetry"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

// Services bundles every component a method handler may call into. Fields
// are exported so cmd/cstpd can assemble and pass one literal.
type Services struct {
	Query         *query.Service
	Decisions     *decisions.Service
	Guardrails    *guardrail.Checker
	Calibration   *calibration.Service
	Ready         *ready.Service
	PreAction     *preaction.Service
	Tracker       *tracker.Tracker
	Graph         graphstore.Store
	DecisionStore decisionstore.Store
	Vector        vectorstore.Store
	Embed         embedding.Provider
}

// Limits configures the dispatcher's concurrency and timeout budgets, per
// §5 ("bounded worker pool", "per-call timeout", "handler budget").
type Limits struct {
	WorkerPoolSize   int
	RequestQueueSize int
	CallTimeout      time.Duration
	HandlerBudget    time.Duration
}

// methodFunc is one registered handler: decode normalized params, call into
// Services, return a JSON-serializable result or an error. Errors are
// translated to a *cstperr.Error at the Dispatch boundary if they aren't
// already one.
type methodFunc func(ctx context.Context, d *Dispatcher, agentID string, params json.RawMessage) (any, error)

// Dispatcher routes authenticated JSON-RPC calls to method handlers under a
// bounded worker pool, per §4.J.
type Dispatcher struct {
	services Services
	methods  map[string]methodFunc

	auth    *auth.Table
	jwtMgr  *auth.JWTManager
	limiter *ratelimit.MemoryLimiter
	metrics *telemetry.Metrics
	hooks   []Hook

	sem        *semaphore.Weighted
	queueCap   int64
	queueUsed  atomic.Int64
	callBudget time.Duration
	totalBudget time.Duration

	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// New builds a Dispatcher over services, wiring the fixed method table, per
// §4.J "Registered methods".
func New(services Services, table *auth.Table, limiter *ratelimit.MemoryLimiter, limits Limits, logger *slog.Logger, version string) *Dispatcher {
	if limits.WorkerPoolSize <= 0 {
		limits.WorkerPoolSize = 32
	}
	if limits.RequestQueueSize <= 0 {
		limits.RequestQueueSize = 256
	}
	if limits.CallTimeout <= 0 {
		limits.CallTimeout = 10 * time.Second
	}
	if limits.HandlerBudget <= 0 {
		limits.HandlerBudget = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		services:    services,
		auth:        table,
		limiter:     limiter,
		sem:         semaphore.NewWeighted(int64(limits.WorkerPoolSize)),
		queueCap:    int64(limits.WorkerPoolSize + limits.RequestQueueSize),
		callBudget:  limits.CallTimeout,
		totalBudget: limits.HandlerBudget,
		logger:      logger,
		startedAt:   time.Now(),
		version:     version,
	}
	d.methods = d.buildRegistry()
	return d
}

// MethodNames returns the registered method table's keys, for the
// well-known capabilities document.
func (d *Dispatcher) MethodNames() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// Uptime reports how long the dispatcher has been serving.
func (d *Dispatcher) Uptime() time.Duration { return time.Since(d.startedAt) }

// Version returns the server version string used in health/well-known
// responses.
func (d *Dispatcher) Version() string { return d.version }

// Authenticate validates a bearer token, which is either a raw
// "<agent-id>:<secret>" credential checked against the agent table, or — if
// session resumption is enabled and the token parses as a JWT — a
// short-lived session token issued by IssueSessionToken.
func (d *Dispatcher) Authenticate(token string) (string, error) {
	if d.jwtMgr != nil && looksLikeJWT(token) {
		claims, err := d.jwtMgr.ValidateSessionToken(token)
		if err != nil {
			return "", auth.ErrUnauthorized
		}
		return claims.AgentID, nil
	}
	return d.auth.Authenticate(token)
}

// looksLikeJWT reports whether token has the three dot-separated segments a
// compact JWS uses, distinguishing it from an "<agent-id>:<secret>" credential.
func looksLikeJWT(token string) bool {
	dots := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			dots++
		}
	}
	return dots == 2
}

// EnableSessionTokens wires a JWTManager so Authenticate accepts short-lived
// session-resumption tokens in addition to agent:secret credentials, and
// IssueSessionToken can mint them for an already-authenticated agent.
func (d *Dispatcher) EnableSessionTokens(mgr *auth.JWTManager) {
	d.jwtMgr = mgr
}

// EnableMetrics wires a telemetry.Metrics instance so Dispatch and AllowAgent
// record method-call/rate-limit instrumentation. Without it, dispatch runs
// exactly as before: every recording call on a nil *telemetry.Metrics is a
// no-op.
func (d *Dispatcher) EnableMetrics(m *telemetry.Metrics) {
	d.metrics = m
}

// IssueSessionToken mints a session-resumption token for agentID. Returns
// cstperr.KindInternal if session tokens are not enabled.
func (d *Dispatcher) IssueSessionToken(agentID string) (string, time.Time, error) {
	if d.jwtMgr == nil {
		return "", time.Time{}, cstperr.New(cstperr.KindInternal, "session tokens are not enabled")
	}
	return d.jwtMgr.IssueSessionToken(agentID)
}

// AllowAgent applies the per-agent rate limit, per §5 "Backpressure".
func (d *Dispatcher) AllowAgent(ctx context.Context, agentID string) (bool, error) {
	if d.limiter == nil {
		return true, nil
	}
	allowed, err := d.limiter.Allow(ctx, agentID)
	if err == nil && !allowed {
		d.metrics.RecordRateLimited(ctx, "agent_quota")
	}
	return allowed, err
}

// Dispatch looks up method, admits the call into the worker pool, enforces
// the handler budget, and runs the handler, per §4.J's numbered algorithm.
// The returned error, if non-nil, is always a *cstperr.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, method string, rawParams json.RawMessage) (any, error) {
	fn, ok := d.methods[method]
	if !ok {
		return nil, cstperr.New(cstperr.KindMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}

	params, err := normalizeParams(rawParams)
	if err != nil {
		return nil, cstperr.Wrap(cstperr.KindInvalidParams, "params is not valid JSON", err, true)
	}

	release, err := d.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, d.callBudget)
	defer cancel()

	start := time.Now()
	result, err := fn(callCtx, d, agentID, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.metrics.RecordMethodCall(ctx, method, "timeout", time.Since(start))
			return nil, cstperr.Wrap(cstperr.KindInternal, fmt.Sprintf("%s: handler timed out", method), err, true)
		}
		if cerr, ok := cstperr.As(err); ok {
			d.metrics.RecordMethodCall(ctx, method, "error", time.Since(start))
			return nil, cerr
		}
		d.logger.Error("dispatch: unhandled method error", "method", method, "error", err)
		d.metrics.RecordMethodCall(ctx, method, "error", time.Since(start))
		return nil, cstperr.Wrap(cstperr.KindInternal, "internal error", err, false)
	}
	d.metrics.RecordMethodCall(ctx, method, "ok", time.Since(start))
	return result, nil
}

// admit enforces the bounded worker pool + bounded queue backpressure
// policy, per §5: a request waits for a free worker slot up to the handler
// budget; if the admission queue itself is already full, it is rejected
// immediately with rate_limited rather than waiting at all.
func (d *Dispatcher) admit(ctx context.Context) (func(), error) {
	if d.queueUsed.Add(1) > d.queueCap {
		d.queueUsed.Add(-1)
		d.metrics.RecordRateLimited(ctx, "queue_full")
		return nil, cstperr.New(cstperr.KindRateLimited, "request queue full")
	}

	acquireCtx, cancel := context.WithTimeout(ctx, d.totalBudget)
	defer cancel()
	if err := d.sem.Acquire(acquireCtx, 1); err != nil {
		d.queueUsed.Add(-1)
		d.metrics.RecordRateLimited(ctx, "pool_saturated")
		return nil, cstperr.New(cstperr.KindRateLimited, "worker pool saturated")
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		d.sem.Release(1)
		d.queueUsed.Add(-1)
	}, nil
}
