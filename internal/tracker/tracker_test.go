package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/cstp-run/blackbox/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func input(id string, typ model.TrackedInputType, ts time.Time) model.TrackedInput {
	return model.TrackedInput{ID: id, Type: typ, Text: "t", Timestamp: ts}
}

func TestConsumeEmptySessionReturnsFalse(t *testing.T) {
	tr := New(time.Minute)
	_, ok := tr.Consume("none")
	assert.False(t, ok)
}

func TestTrackThenConsumeGroupsConsecutiveSameTypeSteps(t *testing.T) {
	tr := New(time.Minute)
	base := time.Now()
	tr.Track("k", input("1", model.TrackedQuery, base))
	tr.Track("k", input("2", model.TrackedQuery, base.Add(time.Second)))
	tr.Track("k", input("3", model.TrackedGuardrail, base.Add(2*time.Second)))

	trace, ok := tr.Consume("k")
	require.True(t, ok)
	require.Len(t, trace.Steps, 2)
	assert.Equal(t, []string{"1", "2"}, trace.Steps[0].InputIDs)
	assert.Equal(t, []string{"3"}, trace.Steps[1].InputIDs)
	assert.Equal(t, int64(2000), trace.TotalDurationMs)
}

func TestConsumeClearsSession(t *testing.T) {
	tr := New(time.Minute)
	tr.Track("k", input("1", model.TrackedQuery, time.Now()))
	_, ok := tr.Consume("k")
	require.True(t, ok)

	_, ok = tr.Consume("k")
	assert.False(t, ok)
}

func TestPeekDoesNotClear(t *testing.T) {
	tr := New(time.Minute)
	tr.Track("k", input("1", model.TrackedQuery, time.Now()))
	assert.Len(t, tr.Peek("k"), 1)
	assert.Len(t, tr.Peek("k"), 1)
}

func TestCleanupExpiredRemovesStaleSessions(t *testing.T) {
	tr := New(10 * time.Millisecond)
	tr.Track("k", input("1", model.TrackedQuery, time.Now()))
	time.Sleep(20 * time.Millisecond)

	removed := tr.CleanupExpired()
	assert.Equal(t, 1, removed)
	_, ok := tr.Consume("k")
	assert.False(t, ok)
}

func TestSessionKeyFormatsWithAndWithoutDecisionID(t *testing.T) {
	assert.Equal(t, "http:agent-1", SessionKey("http", "agent-1", ""))
	assert.Equal(t, "http:agent-1:dec-9", SessionKey("http", "agent-1", "dec-9"))
}

func TestStartedLoopStopsCleanlyOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := New(10 * time.Millisecond)
	tr.Start(context.Background(), 5*time.Millisecond)
	tr.Track("k", input("1", model.TrackedQuery, time.Now()))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tr.Close())

	_, ok := tr.Consume("k")
	assert.False(t, ok)
}
