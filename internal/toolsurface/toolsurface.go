// Package toolsurface exposes every cstp JSON-RPC method (internal/dispatch)
// a second way: as MCP tool calls, for agent runtimes that speak mcp-go's
// tool-call protocol instead of raw JSON-RPC over HTTP. Both surfaces share
// one Dispatcher, so behavior — auth, rate limiting, param normalization,
// timeouts, error taxonomy — stays identical regardless of transport.
package toolsurface

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/cstp-run/blackbox/internal/dispatch"
)

const serverInstructions = `cstp is a decision-context server: it remembers why past decisions were
made, checks new actions against guardrail policy, and tracks calibration
between stated confidence and actual outcomes.

Call queryDecisions or preAction before committing to a non-trivial choice.
Call recordDecision afterward so future calls can find this one as
precedent. Call reviewDecision once the outcome is known — calibration
tracking depends on decisions eventually being reviewed.`

// Server adapts a dispatch.Dispatcher to the mcp-go tool-call protocol.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New builds a Server wrapping d. version is advertised to MCP clients
// during capability negotiation.
func New(d *dispatch.Dispatcher, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: d,
		logger:     logger,
		mcpServer: mcpserver.NewMCPServer(
			"cstp", version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithInstructions(serverInstructions),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server, for mounting under a
// mcpserver.NewStreamableHTTPServer transport.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
