package game

import (
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"commodex/internal/ledger"
)

var (
	ErrSettlementRunning = stderrors.New("settlement already running")
	// ErrUnauthorized is a validation failure raised when the caller is not
	// the party an operation belongs to.
	ErrUnauthorized = errors.Wrap(ledger.ErrValidation, "not allowed")
)

// Economy holds every tunable number of the game.
type Economy struct {
	StartingBalance decimal.Decimal
	StartingCards   int

	ProgressiveBase decimal.Decimal
	CardBase        decimal.Decimal
	CardStep        decimal.Decimal
	TopBonus        TopBonusRule

	RefreshFee        decimal.Decimal
	RuleKinds         int
	RuleMinItems      int
	RuleMaxItems      int
	RuleBaseReward    decimal.Decimal
	RulePerItemReward decimal.Decimal

	SettlementInterval time.Duration
	SettlementRetry    time.Duration
}

func DefaultEconomy() Economy {
	return Economy{
		StartingBalance: decimal.NewFromInt(2000),
		StartingCards:   10,

		ProgressiveBase: decimal.NewFromInt(250),
		CardBase:        decimal.NewFromInt(100),
		CardStep:        decimal.NewFromInt(50),
		TopBonus: TopBonusRule{
			K:          3,
			Threshold:  decimal.NewFromInt(10_000),
			Multiplier: decimal.NewFromFloat(0.2),
			Flat:       decimal.NewFromInt(3000),
		},

		RefreshFee:        decimal.NewFromInt(50),
		RuleKinds:         2,
		RuleMinItems:      3,
		RuleMaxItems:      5,
		RuleBaseReward:    decimal.NewFromInt(100),
		RulePerItemReward: decimal.NewFromInt(175),

		SettlementInterval: 3 * time.Minute,
		SettlementRetry:    time.Minute,
	}
}
