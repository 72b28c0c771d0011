package guardrail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadAllRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", "id: r1\naction: warn\nmessage: m\n")
	writeRule(t, dir, "b.yaml", "id: r1\naction: block\nmessage: m2\n")

	_, err := loadAll([]string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule id")
}

func TestLoadAllRejectsUnknownOperator(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", `
id: r1
action: block
message: m
conditions:
  - field: stakes
    op: "~="
    value: high
`)
	_, err := loadAll([]string{dir})
	require.Error(t, err)
}

func TestEngineListSortsByID(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", "id: zzz\naction: warn\nmessage: m\n")
	writeRule(t, dir, "b.yaml", "id: aaa\naction: warn\nmessage: m\n")

	e, err := NewEngine([]string{dir})
	require.NoError(t, err)
	rules := e.List()
	require.Len(t, rules, 2)
	assert.Equal(t, "aaa", rules[0].ID)
	assert.Equal(t, "zzz", rules[1].ID)
}
