package game

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestProgressivePayout(t *testing.T) {
	tests := []struct {
		q    int64
		want int64
	}{
		{q: 0, want: 0},
		{q: 1, want: 250},
		{q: 3, want: 1500},
		{q: 10, want: 13750},
	}
	for _, tc := range tests {
		got := ProgressivePayout(d(250), tc.q)
		assert.True(t, got.Equal(d(tc.want)), "q=%d got=%s want=%d", tc.q, got, tc.want)
	}
}

func TestCardScore(t *testing.T) {
	assert.True(t, CardScore(d(100), d(50), 1).Equal(d(100)))
	assert.True(t, CardScore(d(100), d(50), 3).Equal(d(600)))
	assert.True(t, CardScore(d(100), d(50), 0).IsZero())
}

func TestFinalScore(t *testing.T) {
	got := FinalScore(d(2000), map[string]int64{"gold": 3, "corn": 1}, d(100), d(50))
	assert.True(t, got.Equal(d(2700)), got.String())
}

func TestApplyTopBonus(t *testing.T) {
	rule := DefaultEconomy().TopBonus

	got, ok := ApplyTopBonus(d(20_000), rule)
	require.True(t, ok)
	assert.True(t, got.Equal(d(7000)), got.String())

	got, ok = ApplyTopBonus(d(10_000), rule)
	assert.False(t, ok)
	assert.True(t, got.Equal(d(10_000)))
}

func TestBonusTopScoresOnlyTouchesTopK(t *testing.T) {
	scores := []Score{
		{UserID: "d", Score: d(11_000)},
		{UserID: "a", Score: d(40_000)},
		{UserID: "b", Score: d(20_000)},
		{UserID: "c", Score: d(15_000)},
		{UserID: "e", Score: d(500)},
	}
	got, applied := BonusTopScores(scores, DefaultEconomy().TopBonus)
	assert.Equal(t, 3, applied)

	want := map[string]int64{"a": 11_000, "b": 7_000, "c": 6_000, "d": 11_000, "e": 500}
	require.Len(t, got, len(scores))
	for i, sc := range got {
		assert.Equal(t, scores[i].UserID, sc.UserID)
		assert.True(t, sc.Score.Equal(d(want[sc.UserID])), "%s: %s", sc.UserID, sc.Score)
	}
	assert.True(t, scores[1].Score.Equal(d(40_000)), "input must not change")
}

func TestRankLeaderboardIsDeterministic(t *testing.T) {
	scores := []Score{
		{UserID: "c", Score: d(500)},
		{UserID: "b", Score: d(900)},
		{UserID: "a", Score: d(500)},
		{UserID: "d", Score: d(100)},
	}
	want := []string{"b", "a", "c", "d"}
	for i := 0; i < 5; i++ {
		// Rotate the input; the output must not depend on input order.
		rotated := append(append([]Score(nil), scores[i%len(scores):]...), scores[:i%len(scores)]...)
		got := RankLeaderboard(rotated)
		require.Len(t, got, 4)
		for j, e := range got {
			assert.Equal(t, want[j], e.UserID)
			assert.Equal(t, j+1, e.Rank)
		}
	}
}
