package toolsurface

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cstp-run/blackbox/internal/auth"
	"github.com/cstp-run/blackbox/internal/calibration"
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
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	store := decisionstore.NewMemory()
	vecStore := vectorstore.NewMemory()
	embed := embedding.NewMemory(8)
	graph := graphstore.NewMemory()
	trk := tracker.New(time.Minute)

	engine, err := guardrail.NewEngine(nil)
	require.NoError(t, err)
	checker := guardrail.NewChecker(engine, store, vecStore, embed)

	qSvc := query.New(store, vecStore, embed, trk)
	decSvc := decisions.New(store, vecStore, graph, embed, checker, trk)
	calSvc := calibration.New(store)
	rdySvc := ready.New(store, calSvc)
	preSvc := preaction.New(qSvc, checker, calSvc, decSvc, rdySvc)

	table := auth.NewTable()
	require.NoError(t, table.Register("agent-1", "secret-1"))

	d := dispatch.New(dispatch.Services{
		Query: qSvc, Decisions: decSvc, Guardrails: checker, Calibration: calSvc,
		Ready: rdySvc, PreAction: preSvc, Tracker: trk, Graph: graph,
		DecisionStore: store, Vector: vecStore, Embed: embed,
	}, table, ratelimit.NewMemoryLimiter(1000, 1000), dispatch.Limits{}, nil, "test")

	t.Cleanup(func() { _ = trk.Close() })
	return New(d, "test", nil)
}

func TestNewBuildsAllToolsWithoutPanicking(t *testing.T) {
	s := testServer(t)
	assert.NotNil(t, s.MCPServer())
}

func TestRegisterToolsCoversEveryDispatchMethod(t *testing.T) {
	s := testServer(t)
	names := make(map[string]bool, len(toolSpecs))
	for _, spec := range toolSpecs {
		names[spec.method] = true
	}
	for _, m := range s.dispatcher.MethodNames() {
		assert.True(t, names[m], "method %q has no tool wrapper", m)
	}
	assert.Len(t, toolSpecs, len(s.dispatcher.MethodNames()))
}

func TestAgentIDContextRoundtrips(t *testing.T) {
	ctx := WithAgentID(t.Context(), "agent-42")
	assert.Equal(t, "agent-42", AgentIDFromContext(ctx))
}
