package ready

import (
	"context"
	"testing"
	"time"

	"github.com/cstp-run/blackbox/internal/calibration"
	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveDecision(t *testing.T, store decisionstore.Store, d model.Decision) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), d))
}

func TestReviewOutcomeSurfacesPastDueDecisions(t *testing.T) {
	store := decisionstore.NewMemory()
	past := time.Now().Add(-time.Hour)
	saveDecision(t, store, model.Decision{
		ID: "d1", DecisionText: "x", Category: "deploy", Stakes: model.StakesHigh,
		AgentID: "a1", CreatedAt: time.Now(), ReviewBy: &past,
	})

	s := New(store, nil)
	result, err := s.List(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, model.ReadyReviewOutcome, result.Actions[0].Type)
	assert.Equal(t, model.PriorityHigh, result.Actions[0].Priority)
}

func TestStalePendingRequiresNoReviewByAndAge(t *testing.T) {
	store := decisionstore.NewMemory()
	old := time.Now().Add(-61 * 24 * time.Hour)
	saveDecision(t, store, model.Decision{
		ID: "d1", DecisionText: "x", Category: "deploy", Stakes: model.StakesMedium,
		AgentID: "a1", CreatedAt: old,
	})

	s := New(store, nil)
	result, err := s.List(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, model.ReadyStalePending, result.Actions[0].Type)
	assert.Equal(t, model.PriorityHigh, result.Actions[0].Priority)
}

func TestMinPriorityFiltersLowerPriorityActions(t *testing.T) {
	store := decisionstore.NewMemory()
	past := time.Now().Add(-time.Hour)
	saveDecision(t, store, model.Decision{
		ID: "d1", DecisionText: "x", Category: "deploy", Stakes: model.StakesLow,
		AgentID: "a1", CreatedAt: time.Now(), ReviewBy: &past,
	})

	s := New(store, nil)
	result, err := s.List(context.Background(), Filters{MinPriority: model.PriorityHigh})
	require.NoError(t, err)
	assert.Empty(t, result.Actions)
	assert.Equal(t, 1, result.Total)
}

func TestCalibrationDriftSurfacedWhenDetected(t *testing.T) {
	store := decisionstore.NewMemory()
	old := time.Now().Add(-60 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		id := "hist-" + string(rune('a'+i))
		saveDecision(t, store, model.Decision{ID: id, DecisionText: "x", Category: "tooling", Confidence: 0.9, AgentID: "a1", CreatedAt: old})
		require.NoError(t, store.UpdateOutcome(context.Background(), id, model.OutcomeSuccess, "ok", nil))
	}
	for i := 0; i < 10; i++ {
		id := "rec-" + string(rune('a'+i))
		saveDecision(t, store, model.Decision{ID: id, DecisionText: "x", Category: "tooling", Confidence: 0.9, AgentID: "a1", CreatedAt: recent})
		require.NoError(t, store.UpdateOutcome(context.Background(), id, model.OutcomeFailure, "bad", nil))
	}

	cal := calibration.New(store)
	s := New(store, cal)
	result, err := s.List(context.Background(), Filters{ActionTypes: []model.ReadyActionType{model.ReadyCalibrationDrift}})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, model.ReadyCalibrationDrift, result.Actions[0].Type)
}

func TestSortOrdersByPriorityThenType(t *testing.T) {
	actions := []model.ReadyAction{
		{Type: model.ReadyStalePending, Priority: model.PriorityHigh},
		{Type: model.ReadyReviewOutcome, Priority: model.PriorityHigh},
		{Type: model.ReadyReviewOutcome, Priority: model.PriorityLow},
	}
	sortActions(actions)
	assert.Equal(t, model.ReadyReviewOutcome, actions[0].Type)
	assert.Equal(t, model.ReadyStalePending, actions[1].Type)
	assert.Equal(t, model.PriorityLow, actions[2].Priority)
}
