package game

import (
	"sort"

	"github.com/shopspring/decimal"

	"commodex/internal/state"
)

// ProgressivePayout prices the i-th unit at base*i, so q units pay
// base*q(q+1)/2.
func ProgressivePayout(base decimal.Decimal, q int64) decimal.Decimal {
	if q <= 0 {
		return decimal.Zero
	}
	return base.Mul(decimal.NewFromInt(q * (q + 1) / 2))
}

// CardScore values q cards at a unit price that grows with holdings:
// q * (base + step*(q-1)).
func CardScore(base, step decimal.Decimal, q int64) decimal.Decimal {
	if q <= 0 {
		return decimal.Zero
	}
	unit := base.Add(step.Mul(decimal.NewFromInt(q - 1)))
	return unit.Mul(decimal.NewFromInt(q))
}

func FinalScore(balance decimal.Decimal, inventory map[string]int64, base, step decimal.Decimal) decimal.Decimal {
	score := balance
	for _, q := range inventory {
		score = score.Add(CardScore(base, step, q))
	}
	return score
}

// LiquidationPayout sums the progressive payout over every held commodity.
func LiquidationPayout(base decimal.Decimal, inventory map[string]int64) decimal.Decimal {
	total := decimal.Zero
	for _, q := range inventory {
		total = total.Add(ProgressivePayout(base, q))
	}
	return total
}

type TopBonusRule struct {
	K          int
	Threshold  decimal.Decimal
	Multiplier decimal.Decimal
	Flat       decimal.Decimal
}

// ApplyTopBonus returns the adjusted balance and whether the rule applied.
func ApplyTopBonus(balance decimal.Decimal, rule TopBonusRule) (decimal.Decimal, bool) {
	if !balance.GreaterThan(rule.Threshold) {
		return balance, false
	}
	return balance.Mul(rule.Multiplier).Add(rule.Flat), true
}

// BonusTopScores applies rule to the K highest scores. It returns the
// adjusted scores in input order and how many of them changed.
func BonusTopScores(scores []Score, rule TopBonusRule) ([]Score, int) {
	top := make(map[string]struct{}, rule.K)
	for i, e := range RankLeaderboard(scores) {
		if i >= rule.K {
			break
		}
		top[e.UserID] = struct{}{}
	}
	out := append([]Score(nil), scores...)
	applied := 0
	for i, sc := range out {
		if _, ok := top[sc.UserID]; !ok {
			continue
		}
		if next, ok := ApplyTopBonus(sc.Score, rule); ok {
			out[i].Score = next
			applied++
		}
	}
	return out, applied
}

type Score struct {
	UserID   string
	Username string
	Score    decimal.Decimal
}

// RankLeaderboard orders by score descending, then user id ascending.
func RankLeaderboard(scores []Score) []state.LeaderboardEntry {
	sorted := append([]Score(nil), scores...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Score.Cmp(sorted[j].Score); c != 0 {
			return c > 0
		}
		return sorted[i].UserID < sorted[j].UserID
	})
	out := make([]state.LeaderboardEntry, len(sorted))
	for i, s := range sorted {
		out[i] = state.LeaderboardEntry{
			Rank:     i + 1,
			UserID:   s.UserID,
			Username: s.Username,
			Score:    s.Score,
		}
	}
	return out
}
