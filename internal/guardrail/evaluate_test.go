package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cstp-run/blackbox/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, yamlBody string) *Engine {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule.yaml"), []byte(yamlBody), 0o600))
	e, err := NewEngine([]string{dir})
	require.NoError(t, err)
	return e
}

func TestCheckBlocksWhenRequirementMissing(t *testing.T) {
	e := newEngine(t, `
id: require-tests
action: block
message: "must confirm tests"
conditions:
  - field: category
    op: "=="
    value: deploy
requirements:
  - tests_passed
`)
	c := NewChecker(e, nil, nil, nil)
	result := c.Check(context.Background(), model.ActionContext{Category: "deploy"})
	assert.False(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, model.SeverityBlock, result.Violations[0].Severity)
}

func TestCheckPassesWhenRequirementSatisfied(t *testing.T) {
	e := newEngine(t, `
id: require-tests
action: block
message: "must confirm tests"
conditions:
  - field: category
    op: "=="
    value: deploy
requirements:
  - tests_passed
`)
	c := NewChecker(e, nil, nil, nil)
	result := c.Check(context.Background(), model.ActionContext{
		Category: "deploy",
		Context:  map[string]any{"tests_passed": true},
	})
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
}

func TestCheckUnmatchedRuleIsSilentPass(t *testing.T) {
	e := newEngine(t, `
id: require-tests
action: block
message: m
conditions:
  - field: category
    op: "=="
    value: deploy
requirements:
  - tests_passed
`)
	c := NewChecker(e, nil, nil, nil)
	result := c.Check(context.Background(), model.ActionContext{Category: "refactor"})
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 1, result.Evaluated)
}

func TestCheckWarnSeverityDoesNotBlock(t *testing.T) {
	e := newEngine(t, `
id: warn-only
action: warn
message: m
conditions:
  - field: stakes
    op: "=="
    value: high
requirements:
  - reviewed
`)
	c := NewChecker(e, nil, nil, nil)
	result := c.Check(context.Background(), model.ActionContext{Stakes: model.StakesHigh})
	assert.True(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, model.SeverityWarn, result.Violations[0].Severity)
}

func TestCheckScopeSkipsOutOfProjectContext(t *testing.T) {
	e := newEngine(t, `
id: scoped
action: block
message: m
scope: ["proj-a"]
requirements:
  - x
`)
	c := NewChecker(e, nil, nil, nil)
	result := c.Check(context.Background(), model.ActionContext{Context: map[string]any{"project": "proj-b"}})
	assert.Equal(t, 0, result.Evaluated)
	assert.True(t, result.Allowed)
}

func TestCompoundOrMatchesIfAnyChildMatches(t *testing.T) {
	e := newEngine(t, `
id: compound
action: block
message: m
conditions:
  - kind: compound
    bool_op: OR
    children:
      - field: category
        op: "=="
        value: deploy
      - field: category
        op: "=="
        value: migrate
requirements:
  - ok
`)
	c := NewChecker(e, nil, nil, nil)
	result := c.Check(context.Background(), model.ActionContext{Category: "migrate"})
	assert.False(t, result.Allowed)
}
