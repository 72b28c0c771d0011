package toolsurface

import "context"

// contextKey namespaces values this package stores on a context, mirroring
// the accessor-package pattern used to avoid import cycles elsewhere in this
// codebase.
type contextKey string

const keyAgentID contextKey = "toolsurface_agent_id"

// WithAgentID attaches the bearer-token-authenticated agent id to ctx. The
// MCP HTTP transport's auth middleware calls this before handing the
// request to the mcp-go server, so every tool handler can recover the
// caller's identity the same way the JSON-RPC transport does.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentIDFromContext extracts the agent id set by WithAgentID, or "" if none.
func AgentIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyAgentID).(string)
	return v
}
