package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cstp-run/blackbox/internal/auth"
	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/cstperr"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/decisionstore"
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

func testDispatcher(t *testing.T, limits Limits) (*Dispatcher, string) {
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

	services := Services{
		Query: qSvc, Decisions: decSvc, Guardrails: checker, Calibration: calSvc,
		Ready: rdySvc, PreAction: preSvc, Tracker: trk, Graph: graph,
		DecisionStore: store, Vector: vecStore, Embed: embed,
	}
	d := New(services, table, ratelimit.NewMemoryLimiter(1000, 1000), limits, nil, "test")
	t.Cleanup(func() { _ = trk.Close() })
	return d, "agent-1:secret-1"
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _ := testDispatcher(t, Limits{})
	_, err := d.Dispatch(context.Background(), "agent-1", "bogusMethod", nil)
	require.Error(t, err)
	cerr, ok := cstperr.As(err)
	require.True(t, ok)
	assert.Equal(t, cstperr.KindMethodNotFound, cerr.Kind)
}

func TestDispatchNormalizesCamelCaseParams(t *testing.T) {
	d, _ := testDispatcher(t, Limits{})
	raw := json.RawMessage(`{"query":"deploy strategy","includeReasons":true,"limit":5}`)
	result, err := d.Dispatch(context.Background(), "agent-1", "queryDecisions", raw)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestDispatchInvalidParamsOnMissingRequiredField(t *testing.T) {
	d, _ := testDispatcher(t, Limits{})
	raw := json.RawMessage(`{"limit":5}`)
	_, err := d.Dispatch(context.Background(), "agent-1", "queryDecisions", raw)
	require.Error(t, err)
	cerr, ok := cstperr.As(err)
	require.True(t, ok)
	assert.Equal(t, cstperr.KindInvalidParams, cerr.Kind)
}

func TestAuthenticateRejectsUnknownAgent(t *testing.T) {
	d, _ := testDispatcher(t, Limits{})
	_, err := d.Authenticate("agent-1:wrong-secret")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestAuthenticateAcceptsRegisteredAgent(t *testing.T) {
	d, token := testDispatcher(t, Limits{})
	agentID, err := d.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agentID)
}

func TestAdmitRejectsWhenWorkerPoolSaturated(t *testing.T) {
	d, _ := testDispatcher(t, Limits{WorkerPoolSize: 1, RequestQueueSize: 0, CallTimeout: 50 * time.Millisecond, HandlerBudget: 10 * time.Millisecond})

	release, err := d.admit(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = d.admit(context.Background())
	require.Error(t, err)
	cerr, ok := cstperr.As(err)
	require.True(t, ok)
	assert.Equal(t, cstperr.KindRateLimited, cerr.Kind)
}

func TestMethodNamesIncludesFullRegistry(t *testing.T) {
	d, _ := testDispatcher(t, Limits{})
	names := d.MethodNames()
	assert.Contains(t, names, "queryDecisions")
	assert.Contains(t, names, "recordDecision")
	assert.Contains(t, names, "checkDrift")
	assert.Contains(t, names, "attributeOutcomes")
	assert.Len(t, names, 20)
}

func TestRecordThenGetRoundtrips(t *testing.T) {
	d, _ := testDispatcher(t, Limits{})
	ctx := context.Background()

	recordRaw := json.RawMessage(`{
		"decision":"use postgres for decision storage",
		"context":"need durable relational storage",
		"category":"architecture",
		"stakes":"medium",
		"confidence":0.8
	}`)
	res, err := d.Dispatch(ctx, "agent-1", "recordDecision", recordRaw)
	require.NoError(t, err)
	result, ok := res.(decisions.RecordResult)
	require.True(t, ok)
	require.True(t, result.Success)

	getRaw, _ := json.Marshal(map[string]string{"id": result.ID})
	got, err := d.Dispatch(ctx, "agent-1", "getDecision", getRaw)
	require.NoError(t, err)
	getResult, ok := got.(decisions.GetResult)
	require.True(t, ok)
	assert.Equal(t, result.ID, getResult.Decision.ID)
}
