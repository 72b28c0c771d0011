package query

import (
	"context"
	"testing"
	"time"

	"github.com/cstp-run/blackbox/internal/decisionstore"
	"github.com/cstp-run/blackbox/internal/embedding"
	"github.com/cstp-run/blackbox/internal/model"
	"github.com/cstp-run/blackbox/internal/tracker"
	"github.com/cstp-run/blackbox/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDecision(t *testing.T, ctx context.Context, store decisionstore.Store, vec vectorstore.Store, embed embedding.Provider, id, text, category string) {
	t.Helper()
	d := model.Decision{
		ID: id, DecisionText: text, Category: category, Stakes: model.StakesMedium,
		Confidence: 0.8, AgentID: "agent-1", CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, d))
	vecs, err := embed.Embed(ctx, []string{text})
	require.NoError(t, err)
	require.NoError(t, vec.Upsert(ctx, id, text, vecs[0], map[string]any{"category": category}))
}

func TestQueryRejectsLimitAboveMax(t *testing.T) {
	s := New(decisionstore.NewMemory(), vectorstore.NewMemory(), embedding.NewMemory(8), nil)
	limit := 51
	_, err := s.Query(context.Background(), Request{Query: "x", Limit: &limit})
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestQueryZeroLimitReturnsEmpty(t *testing.T) {
	s := New(decisionstore.NewMemory(), vectorstore.NewMemory(), embedding.NewMemory(8), nil)
	zero := 0
	result, err := s.Query(context.Background(), Request{Query: "x", Limit: &zero})
	require.NoError(t, err)
	assert.Empty(t, result.Hits)
	assert.Equal(t, 0, result.Total)
}

func TestQueryRejectsHybridWeightOutOfRange(t *testing.T) {
	s := New(decisionstore.NewMemory(), vectorstore.NewMemory(), embedding.NewMemory(8), nil)
	_, err := s.Query(context.Background(), Request{Query: "x", HybridWeight: 1.5})
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestKeywordQueryFindsMatchingDecision(t *testing.T) {
	ctx := context.Background()
	store := decisionstore.NewMemory()
	vec := vectorstore.NewMemory()
	embed := embedding.NewMemory(8)
	seedDecision(t, ctx, store, vec, embed, "d1", "rollback strategy for blue green deploys", "deploy")
	seedDecision(t, ctx, store, vec, embed, "d2", "unrelated caching layer notes", "infra")

	s := New(store, vec, embed, nil)
	result, err := s.Query(ctx, Request{Query: "rollback blue green", RetrievalMode: ModeKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)
	assert.Equal(t, "d1", result.Hits[0].Decision.ID)
}

func TestQueryAppliesCategoryFilter(t *testing.T) {
	ctx := context.Background()
	store := decisionstore.NewMemory()
	vec := vectorstore.NewMemory()
	embed := embedding.NewMemory(8)
	seedDecision(t, ctx, store, vec, embed, "d1", "rollback strategy", "deploy")
	seedDecision(t, ctx, store, vec, embed, "d2", "rollback strategy too", "infra")

	s := New(store, vec, embed, nil)
	cat := "deploy"
	result, err := s.Query(ctx, Request{Query: "rollback", RetrievalMode: ModeKeyword, Filters: model.DecisionFilters{Category: &cat}})
	require.NoError(t, err)
	for _, h := range result.Hits {
		assert.Equal(t, "deploy", h.Decision.Category)
	}
}

func TestQueryTracksSuccessfulQueryWhenSessionProvided(t *testing.T) {
	ctx := context.Background()
	store := decisionstore.NewMemory()
	vec := vectorstore.NewMemory()
	embed := embedding.NewMemory(8)
	seedDecision(t, ctx, store, vec, embed, "d1", "rollback strategy", "deploy")

	trk := tracker.New(time.Minute)
	s := New(store, vec, embed, trk)
	_, err := s.Query(ctx, Request{Query: "rollback", RetrievalMode: ModeKeyword, AgentID: "agent-1", SessionKey: "http:agent-1"})
	require.NoError(t, err)

	inputs := trk.Peek("http:agent-1")
	require.Len(t, inputs, 1)
	assert.Equal(t, model.TrackedQuery, inputs[0].Type)
}

func TestHybridFallsBackToMergeWhenNoNativeHybrid(t *testing.T) {
	ctx := context.Background()
	store := decisionstore.NewMemory()
	vec := vectorstore.NewMemory() // Memory does not implement NativeHybrid
	embed := embedding.NewMemory(8)
	seedDecision(t, ctx, store, vec, embed, "d1", "rollback strategy for blue green deploys", "deploy")

	s := New(store, vec, embed, nil)
	result, err := s.Query(ctx, Request{Query: "rollback blue green", RetrievalMode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, result.Hits)
}
