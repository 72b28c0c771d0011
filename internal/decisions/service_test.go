package decisions

import (
	"context"
	"testing"
	"time"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/graphstore"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return New(
		decisionstore.NewMemory(),
		vectorstore.NewMemory(),
		graphstore.NewMemory(),
		embedding.NewMemory(8),
		nil,
		nil,
	)
}

func TestRecordAssignsIDAndIndexes(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	res, err := s.Record(ctx, RecordInput{
		Decision: "use SQLite for decision storage", Category: "architecture",
		Stakes: model.StakesMedium, Confidence: 0.8, AgentID: "agent-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Allowed)
	assert.True(t, res.Indexed)
	assert.NotEmpty(t, res.ID)
	assert.NotNil(t, res.Quality)
}

func TestRecordRejectsBlankDecisionText(t *testing.T) {
	s := newService(t)
	_, err := s.Record(context.Background(), RecordInput{Category: "architecture", AgentID: "agent-1"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRecordIsIdempotentOnReplayedKey(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	key := "retry-1"

	first, err := s.Record(ctx, RecordInput{
		Decision: "rollback strategy for blue green deploys", Category: "deploy",
		Stakes: model.StakesHigh, Confidence: 0.9, AgentID: "agent-1", IdempotencyKey: &key,
	})
	require.NoError(t, err)

	second, err := s.Record(ctx, RecordInput{
		Decision: "a completely different decision that should be ignored", Category: "deploy",
		Stakes: model.StakesHigh, Confidence: 0.9, AgentID: "agent-1", IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecordConsumesTrackerSessionIntoDeliberation(t *testing.T) {
	ctx := context.Background()
	trk := tracker.New(time.Minute)
	s := New(decisionstore.NewMemory(), vectorstore.NewMemory(), graphstore.NewMemory(), embedding.NewMemory(8), nil, trk)

	sessionKey := "http:agent-1"
	trk.Track(sessionKey, model.TrackedInput{ID: "q-1", Type: model.TrackedQuery, Text: "rollback", Source: "queryDecisions", Timestamp: time.Now()})
	trk.Track(sessionKey, model.TrackedInput{ID: "g-1", Type: model.TrackedGuardrail, Text: "rollback", Source: "checkGuardrails", Timestamp: time.Now()})

	res, err := s.Record(ctx, RecordInput{
		Decision: "rollback via blue green swap", Category: "deploy",
		Stakes: model.StakesMedium, Confidence: 0.7, AgentID: "agent-1", SessionKey: sessionKey,
	})
	require.NoError(t, err)
	assert.True(t, res.DeliberationAuto)
	assert.Equal(t, 2, res.DeliberationInputsCount)

	assert.Empty(t, trk.Peek(sessionKey))
}

func TestUpdateRejectsDifferentAgent(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	res, err := s.Record(ctx, RecordInput{Decision: "use SQLite", Category: "architecture", Confidence: 0.5, AgentID: "agent-1"})
	require.NoError(t, err)

	_, err = s.Update(ctx, UpdateInput{ID: res.ID, AgentID: "agent-2"})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateRejectsAfterReview(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	res, err := s.Record(ctx, RecordInput{Decision: "use SQLite", Category: "architecture", Confidence: 0.5, AgentID: "agent-1"})
	require.NoError(t, err)
	require.NoError(t, s.Review(ctx, ReviewInput{ID: res.ID, Outcome: model.OutcomeSuccess, ActualResult: "worked out"}))

	_, err = s.Update(ctx, UpdateInput{ID: res.ID, AgentID: "agent-1"})
	require.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestUpdateBumpsUpdatedAtAndReembeds(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	res, err := s.Record(ctx, RecordInput{Decision: "use SQLite", Category: "architecture", Confidence: 0.5, AgentID: "agent-1"})
	require.NoError(t, err)

	newText := "use SQLite for the decision store specifically"
	updated, err := s.Update(ctx, UpdateInput{ID: res.ID, AgentID: "agent-1", DecisionText: &newText})
	require.NoError(t, err)
	assert.Equal(t, newText, updated.DecisionText)
	require.NotNil(t, updated.UpdatedAt)
}

func TestReviewRejectsSecondReview(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	res, err := s.Record(ctx, RecordInput{Decision: "use SQLite", Category: "architecture", Confidence: 0.5, AgentID: "agent-1"})
	require.NoError(t, err)

	require.NoError(t, s.Review(ctx, ReviewInput{ID: res.ID, Outcome: model.OutcomeSuccess, ActualResult: "stable"}))
	err = s.Review(ctx, ReviewInput{ID: res.ID, Outcome: model.OutcomeFailure, ActualResult: "regressed"})
	require.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestGetReturnsNeighborsAndQuality(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	first, err := s.Record(ctx, RecordInput{Decision: "use SQLite for decision storage", Category: "architecture", Confidence: 0.8, AgentID: "agent-1"})
	require.NoError(t, err)
	second, err := s.Record(ctx, RecordInput{
		Decision: "use Postgres instead for multi-writer durability", Category: "architecture",
		Confidence: 0.8, AgentID: "agent-1", RelatedTo: []model.RelatedDecision{{ID: first.ID, Distance: 0.1}},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Decision.Quality)
	require.Len(t, got.Neighbors, 1)
	assert.Equal(t, first.ID, got.Neighbors[0].Edge.ToID)
}
