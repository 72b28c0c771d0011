package decisionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/storeerr"
)

func newDecision(id, agent string, createdAt time.Time) model.Decision {
	return model.Decision{
		ID:           id,
		DecisionText: "use postgres for decision storage",
		Context:      "needed durable storage",
		Category:     "architecture",
		Stakes:       model.StakesMedium,
		Confidence:   0.8,
		AgentID:      agent,
		CreatedAt:    createdAt,
		Tags:         []string{"storage", "db"},
	}
}

func TestMemorySaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	d := newDecision("d1", "agent-a", time.Now().UTC())

	require.NoError(t, store.Save(ctx, d))
	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, d.DecisionText, got.DecisionText)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryGetNotFound(t *testing.T) {
	store := NewMemory()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storeerr.ErrNotFound)
}

func TestMemorySavePreservesCreatedAtOnResave(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	original := time.Now().UTC().Add(-time.Hour)
	d := newDecision("d1", "agent-a", original)
	require.NoError(t, store.Save(ctx, d))

	d.DecisionText = "revised text"
	require.NoError(t, store.Save(ctx, d))

	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(original))
	assert.Equal(t, "revised text", got.DecisionText)
	require.NotNil(t, got.UpdatedAt)
}

func TestMemoryUpdateOutcomeRejectsDoubleReview(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Save(ctx, newDecision("d1", "agent-a", time.Now().UTC())))

	require.NoError(t, store.UpdateOutcome(ctx, "d1", model.OutcomeSuccess, "worked", nil))
	err := store.UpdateOutcome(ctx, "d1", model.OutcomeFailure, "worked", nil)
	assert.ErrorIs(t, err, storeerr.ErrConflict)
}

func TestMemorySaveAfterOutcomeOnlyAllowsLessonsChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Save(ctx, newDecision("d1", "agent-a", time.Now().UTC())))
	require.NoError(t, store.UpdateOutcome(ctx, "d1", model.OutcomeSuccess, "worked", nil))

	reviewed, err := store.Get(ctx, "d1")
	require.NoError(t, err)

	mutated := reviewed
	mutated.DecisionText = "trying to change the immutable record"
	lessons := "learned something"
	mutated.Outcome.Lessons = &lessons
	require.NoError(t, store.Save(ctx, mutated))

	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, reviewed.DecisionText, got.DecisionText)
	require.NotNil(t, got.Outcome.Lessons)
	assert.Equal(t, lessons, *got.Outcome.Lessons)
}

func TestMemoryListPaginationIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		d := newDecision(string(rune('a'+i)), "agent-a", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Save(ctx, d))
	}

	pageSize := 2
	q := model.ListQuery{SortDir: model.SortAsc, Limit: &pageSize}
	first, err := store.List(ctx, q)
	require.NoError(t, err)
	second, err := store.List(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, 5, first.TotalMatching)
	assert.Len(t, first.Items, 2)
}

func TestMemoryListFiltersByCategoryAndStakes(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	d1 := newDecision("d1", "agent-a", time.Now().UTC())
	d2 := newDecision("d2", "agent-a", time.Now().UTC())
	d2.Category = "security"
	d2.Stakes = model.StakesCritical
	require.NoError(t, store.Save(ctx, d1))
	require.NoError(t, store.Save(ctx, d2))

	cat := "security"
	limit := 50
	res, err := store.List(ctx, model.ListQuery{
		Filters: model.DecisionFilters{Category: &cat},
		SortDir: model.SortDesc,
		Limit:   &limit,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "d2", res.Items[0].ID)
}

func TestMemoryStatsCountsByCategory(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Save(ctx, newDecision("d1", "agent-a", time.Now().UTC())))
	require.NoError(t, store.Save(ctx, newDecision("d2", "agent-b", time.Now().UTC())))

	stats, err := store.Stats(ctx, model.StatsWindow{}, model.DecisionFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByCategory["architecture"])
	assert.Equal(t, 1, stats.ByAgent["agent-a"])
	assert.Equal(t, 2, stats.Last24h)
}
