package preaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/decisions"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/graphstore"
	"github.com/cstp-run/blackbox/internal/guardrail"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/query"
	"github.com/cstp-run/blackbox/internal/ready"
	"github.com/cstp-run/blackbox/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	engine, err := guardrail.NewEngine([]string{dir})
	require.NoError(t, err)
	checker := guardrail.NewChecker(engine, nil, nil, nil)

	store := decisionstore.NewMemory()
	vec := vectorstore.NewMemory()
	embed := embedding.NewMemory(8)
	graph := graphstore.NewMemory()
	q := query.New(store, vec, embed, nil)
	cal := calibration.New(store)
	dec := decisions.New(store, vec, graph, embed, checker, nil)
	rdy := ready.New(store, cal)

	return New(q, checker, cal, dec, rdy)
}

func writeBlockingRule(t *testing.T, dir, category string) {
	t.Helper()
	content := `
id: block-` + category + `
description: block rule
conditions:
  - field: category
    op: "=="
    value: "` + category + `"
requirements:
  - approved
action: block
message: category is blocked without approval
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "block.yaml"), []byte(content), 0o644))
}

func TestPreActionBlocksAndDoesNotRecord(t *testing.T) {
	dir := t.TempDir()
	writeBlockingRule(t, dir, "architecture")
	engine, err := guardrail.NewEngine([]string{dir})
	require.NoError(t, err)
	checker := guardrail.NewChecker(engine, nil, nil, nil)

	store := decisionstore.NewMemory()
	vec := vectorstore.NewMemory()
	embed := embedding.NewMemory(8)
	graph := graphstore.NewMemory()
	q := query.New(store, vec, embed, nil)
	cal := calibration.New(store)
	dec := decisions.New(store, vec, graph, embed, checker, nil)
	rdy := ready.New(store, cal)
	s := New(q, checker, cal, dec, rdy)

	result, err := s.PreAction(context.Background(), Request{
		Action:  model.ActionContext{Description: "use SQLite", Category: "architecture"},
		Options: Options{AutoRecord: true},
		Record: decisions.RecordInput{
			Decision: "use SQLite", Category: "architecture", Confidence: 0.7, AgentID: "agent-1",
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Nil(t, result.DecisionID)
	assert.NotEmpty(t, result.BlockReasons)
}

func TestPreActionAllowsWithNoMatchingGuardrail(t *testing.T) {
	s := newTestService(t)
	result, err := s.PreAction(context.Background(), Request{
		Action: model.ActionContext{Description: "use SQLite", Category: "architecture"},
		Options: Options{AutoRecord: false},
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Nil(t, result.DecisionID)
}

func TestPreActionAutoRecordsOnAllow(t *testing.T) {
	s := newTestService(t)
	result, err := s.PreAction(context.Background(), Request{
		Action:  model.ActionContext{Description: "use SQLite for storage", Category: "architecture"},
		Options: Options{AutoRecord: true},
		Record: decisions.RecordInput{
			Decision: "use SQLite for storage", Category: "architecture",
			Confidence: 0.7, AgentID: "agent-1",
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.NotNil(t, result.DecisionID)
}

func TestGetSessionContextReturnsBundle(t *testing.T) {
	s := newTestService(t)
	_, err := s.Decisions.Record(context.Background(), decisions.RecordInput{
		Decision: "use SQLite for storage", Category: "architecture",
		Confidence: 0.7, AgentID: "agent-1", Project: "cstp",
	})
	require.NoError(t, err)

	project := "cstp"
	ctxResult, err := s.GetSessionContext(context.Background(), SessionContextRequest{AgentID: "agent-1", Project: &project})
	require.NoError(t, err)
	assert.Len(t, ctxResult.RecentDecisions, 1)
}
