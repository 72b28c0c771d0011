package bm25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeLowercasesAndSplitsOnWordChars(t *testing.T) {
	got := Tokenize("Rollback-Strategy: Blue/Green Deploy!")
	assert.Equal(t, []string{"rollback", "strategy", "blue", "green", "deploy"}, got)
}

func TestQueryRanksMoreRelevantDocumentHigher(t *testing.T) {
	idx := Build([]Document{
		{ID: "a", Text: "use blue green deployment for rollback safety"},
		{ID: "b", Text: "unrelated text about caching layers"},
	})
	scores := idx.Query("blue green rollback")
	require.NotEmpty(t, scores)

	byID := map[string]float64{}
	for _, s := range scores {
		byID[s.ID] = s.Score
	}
	assert.Greater(t, byID["a"], byID["b"])
}

func TestQueryScoresAreMinMaxNormalized(t *testing.T) {
	idx := Build([]Document{
		{ID: "a", Text: "blue green deployment rollback"},
		{ID: "b", Text: "blue green deployment"},
		{ID: "c", Text: "nothing relevant here"},
	})
	scores := idx.Query("blue green rollback")
	var sawZero, sawOne bool
	for _, s := range scores {
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
		if s.Score == 0 {
			sawZero = true
		}
		if s.Score == 1 {
			sawOne = true
		}
	}
	assert.True(t, sawZero)
	assert.True(t, sawOne)
}

func TestQueryOnEmptyIndexReturnsNil(t *testing.T) {
	idx := Build(nil)
	assert.Nil(t, idx.Query("anything"))
}

func TestQueryWithNoMatchingTermsReturnsNil(t *testing.T) {
	idx := Build([]Document{{ID: "a", Text: "completely different words"}})
	assert.Nil(t, idx.Query("zzz yyy xxx"))
}
