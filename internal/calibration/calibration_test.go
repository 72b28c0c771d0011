package calibration

import (
	"context"
	"testing"
	"time"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedReviewed(t *testing.T, store decisionstore.Store, id, category string, confidence float64, outcome model.OutcomeKind, createdAt time.Time) {
	t.Helper()
	d := model.Decision{ID: id, DecisionText: "decision " + id, Category: category, Confidence: confidence, AgentID: "agent-1", CreatedAt: createdAt}
	require.NoError(t, store.Save(context.Background(), d))
	require.NoError(t, store.UpdateOutcome(context.Background(), id, outcome, "result", nil))
}

func TestGetCalibrationReturnsInsufficientDataBelowMinSample(t *testing.T) {
	store := decisionstore.NewMemory()
	seedReviewed(t, store, "d1", "tooling", 0.8, model.OutcomeSuccess, time.Now())

	s := New(store)
	report, err := s.GetCalibration(context.Background(), model.DecisionFilters{})
	require.NoError(t, err)
	assert.True(t, report.InsufficientData)
}

func TestGetCalibrationComputesBrierAndAccuracy(t *testing.T) {
	store := decisionstore.NewMemory()
	now := time.Now()
	for i := 0; i < 5; i++ {
		seedReviewed(t, store, "success-"+string(rune('a'+i)), "tooling", 0.9, model.OutcomeSuccess, now)
	}
	for i := 0; i < 5; i++ {
		seedReviewed(t, store, "fail-"+string(rune('a'+i)), "tooling", 0.9, model.OutcomeFailure, now)
	}

	s := New(store)
	report, err := s.GetCalibration(context.Background(), model.DecisionFilters{})
	require.NoError(t, err)
	require.False(t, report.InsufficientData)
	require.NotNil(t, report.Brier)
	assert.InDelta(t, 0.5, *report.Accuracy, 0.01)
	assert.InDelta(t, 0.41, *report.Brier, 0.01)
}

func TestCheckDriftDetectsBrierDegradation(t *testing.T) {
	store := decisionstore.NewMemory()
	old := time.Now().Add(-60 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		seedReviewed(t, store, "hist-"+string(rune('a'+i)), "tooling", 0.9, model.OutcomeSuccess, old)
	}
	for i := 0; i < 10; i++ {
		seedReviewed(t, store, "recent-"+string(rune('a'+i)), "tooling", 0.9, model.OutcomeFailure, recent)
	}

	s := New(store)
	cat := "tooling"
	report, err := s.CheckDrift(context.Background(), DriftOptions{Category: &cat})
	require.NoError(t, err)
	assert.True(t, report.DriftDetected)
	require.NotEmpty(t, report.Alerts)
}

func TestCheckDriftInsufficientDataWhenWindowsTooSmall(t *testing.T) {
	store := decisionstore.NewMemory()
	seedReviewed(t, store, "d1", "tooling", 0.8, model.OutcomeSuccess, time.Now())

	s := New(store)
	report, err := s.CheckDrift(context.Background(), DriftOptions{})
	require.NoError(t, err)
	assert.False(t, report.DriftDetected)
	assert.NotEmpty(t, report.Note)
}

func TestCategoryContextClassifiesOverconfident(t *testing.T) {
	store := decisionstore.NewMemory()
	now := time.Now()
	for i := 0; i < 10; i++ {
		seedReviewed(t, store, "d-"+string(rune('a'+i)), "tooling", 0.95, model.OutcomeFailure, now)
	}

	s := New(store)
	ctxResult, err := s.CategoryContext(context.Background(), "tooling")
	require.NoError(t, err)
	assert.Equal(t, TendencyOverconfident, ctxResult.Tendency)
}
