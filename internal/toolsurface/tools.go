package toolsurface

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/cstp-run/blackbox/internal/cstperr"
)

// toolSpec describes one JSON-RPC method's MCP tool wrapper. Every tool
// takes a single "request_json" argument holding that method's params as a
// JSON object — the dispatcher accepts both camelCase and snake_case keys,
// per §6, so callers may use either. This keeps the 20 tools' schemas
// uniform and lets the descriptions carry the per-method documentation the
// way a flat parameter list otherwise would.
type toolSpec struct {
	method      string
	description string
	readOnly    bool
	idempotent  bool
	destructive bool
	openWorld   bool
}

var toolSpecs = []toolSpec{
	{
		method: "queryDecisions", readOnly: true, idempotent: true,
		description: `Search past decisions by keyword, semantic similarity, or both.

request_json fields: query (string, required), limit (number), include_reasons
(bool), retrieval_mode ("keyword" | "semantic" | "hybrid", default "hybrid"),
hybrid_weight (0-1, default 0.7), bridge_side ("structure" | "function"),
filters (object: category, stakes, agent, tags, project, ...), session_key
(string — when set, this query's hits are tracked toward the next
recordDecision's deliberation trace).`,
	},
	{
		method: "checkGuardrails", readOnly: true, idempotent: true,
		description: `Evaluate an action against configured guardrail policy before taking it.

request_json fields: action (object, required: description, category, stakes,
confidence, context — see ActionContext). Returns allowed, violations, and
which guardrails were evaluated.`,
	},
	{
		method: "listGuardrails", readOnly: true, idempotent: true,
		description: "List all configured guardrail rules. request_json is unused; pass {}.",
	},
	{
		method: "recordDecision", idempotent: false, openWorld: true,
		description: `Persist a decision to the audit trail so future queries can find it as
precedent.

request_json fields: decision, context, category, stakes (low|medium|high|
critical), confidence (0-1) are required. Optional: project, feature, pr,
file, line, commit, reasons, tags, pattern, bridge, deliberation, related_to,
review_by, session_key, idempotency_key (safe retry).`,
	},
	{
		method: "updateDecision", idempotent: true,
		description: `Amend a decision's narrative fields before it has been reviewed. Only the
recording agent may update it, and only decisions without a recorded outcome.

request_json fields: id (required), decision, context, pattern, tags,
bridge, reasons — all optional, only supplied fields change.`,
	},
	{
		method: "reviewDecision", idempotent: false,
		description: `Record how a decision actually played out, closing the loop calibration
tracking depends on.

request_json fields: id (required), outcome (success|partial|failure|
abandoned, required), actual_result, lessons.`,
	},
	{
		method: "getDecision", readOnly: true, idempotent: true,
		description: "Fetch one decision by id, with its graph neighbors. request_json: {\"id\": \"...\"}.",
	},
	{
		method: "getReasonStats", readOnly: true, idempotent: true,
		description: `Aggregate which reasoning styles (analysis, pattern, authority, intuition,
empirical, analogy, elimination, constraint) an agent or category leans on.

request_json fields: category, agent — both optional filters.`,
	},
	{
		method: "recordThought", idempotent: false,
		description: `Append a reasoning step to the current deliberation session without tying
it to a query or guardrail call, so it still surfaces in the trace attached
to the next recordDecision.

request_json fields: session_key (required), text (required), type, source.`,
	},
	{
		method: "preAction", openWorld: true,
		description: `Composite pre-action check: query precedent, evaluate guardrails, attach
calibration context, and optionally auto-record the decision in one call.

request_json fields: action (required, ActionContext), options (query_limit,
auto_record, include_patterns), record (RecordInput — required only when
options.auto_record is true).`,
	},
	{
		method: "getSessionContext", readOnly: true, idempotent: true,
		description: `Summarize an agent's current working context: recent decisions, active
guardrails, calibration standing, top patterns, and ready actions.

request_json fields: agent_id (defaults to the caller), project, limit.`,
	},
	{
		method: "ready", readOnly: true, idempotent: true,
		description: `List actions an agent should take now: decisions pending review, detected
calibration drift, and stale pending decisions.

request_json fields: min_priority (low|medium|high), action_types
(review_outcome|calibration_drift|stale_pending), category, limit.`,
	},
	{
		method: "linkDecisions", idempotent: false,
		description: `Create a typed edge between two decisions.

request_json fields: from (required), to (required), type (relates_to|
supersedes|depends_on|contradicts|blocks, default relates_to), weight
(default 1).`,
	},
	{
		method: "getGraph", readOnly: true, idempotent: true,
		description: `Fetch the decision graph around a root node, up to depth 3.

request_json fields: root_id (required), depth (1-3, default 3), types.`,
	},
	{
		method: "getNeighbors", readOnly: true, idempotent: true,
		description: "Fetch a decision's direct graph neighbors. request_json: id (required), types.",
	},
	{
		method: "debugTracker", readOnly: true, idempotent: true,
		description: `Inspect the raw tracked inputs for a deliberation session, for diagnosing
why an expected trace didn't attach to a recorded decision.

request_json fields: session_key (required).`,
	},
	{
		method: "checkDrift", readOnly: true, idempotent: true,
		description: `Compare recent calibration (Brier score, accuracy) against the historical
baseline to detect drift or habituation.

request_json fields: category, recent_window_seconds, brier_threshold,
accuracy_threshold — all optional; unset values use this server's defaults.`,
	},
	{
		method: "reindex", idempotent: true,
		description: `Recompute embeddings and re-upsert matching decisions into the vector
store — the recovery path for a decision left durable but unindexed after a
cancelled recordDecision.

request_json fields: category, project — both optional filters.`,
	},
	{
		method: "attributeOutcomes", idempotent: false,
		description: `Apply a batch of outcome attributions in one call, each via the same path
as reviewDecision.

request_json fields: attributions (array of {id, outcome, actual_result,
lessons}, required, non-empty).`,
	},
	{
		method: "getCalibration", readOnly: true, idempotent: true,
		description: `Report Brier score, accuracy, calibration gap, confidence-bucket
distribution, and habituation over decisions matching filters.

request_json fields: filters (object: category, stakes, agent, ...).`,
	},
}

func (s *Server) registerTools() {
	for _, spec := range toolSpecs {
		spec := spec
		opts := []mcplib.ToolOption{
			mcplib.WithDescription(spec.description),
			mcplib.WithString("request_json",
				mcplib.Description(`JSON object of this method's params, e.g. {"query": "caching strategy", "limit": 5}. Pass {} for methods with no required fields.`),
			),
			mcplib.WithReadOnlyHintAnnotation(spec.readOnly),
			mcplib.WithIdempotentHintAnnotation(spec.idempotent),
			mcplib.WithDestructiveHintAnnotation(spec.destructive),
			mcplib.WithOpenWorldHintAnnotation(spec.openWorld),
		}
		s.mcpServer.AddTool(mcplib.NewTool(spec.method, opts...), s.makeHandler(spec.method))
	}
}

// makeHandler returns the generic tool-call handler for method: decode
// request_json, forward to the shared Dispatcher, and translate the result
// (or *cstperr.Error) into an MCP tool result.
func (s *Server) makeHandler(method string) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		agentID := AgentIDFromContext(ctx)
		if agentID == "" {
			return errorResult("unauthenticated: no agent identity on this session"), nil
		}

		raw := request.GetString("request_json", "{}")
		result, err := s.dispatcher.Dispatch(ctx, agentID, method, json.RawMessage(raw))
		if err != nil {
			cerr, ok := cstperr.As(err)
			if !ok {
				s.logger.Error("toolsurface: unhandled dispatch error", "method", method, "error", err)
				return errorResult("internal error"), nil
			}
			return errorResult(cerr.Error()), nil
		}

		body, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			s.logger.Error("toolsurface: marshal result failed", "method", method, "error", err)
			return errorResult("internal error: could not encode result"), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(body)}},
		}, nil
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
