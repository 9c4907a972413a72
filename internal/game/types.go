package game

import (
	"time"

	"github.com/shopspring/decimal"

	"commodex/internal/ledger"
	"commodex/internal/state"
)

// Identity is the player identity issued by the auth service.
type Identity struct {
	UserID   string `json:"userId" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
}

type ProposeInput struct {
	TradeID     string          `json:"tradeId" validate:"required,max=128"`
	FromUserID  string          `json:"fromUserId" validate:"required"`
	ToUserID    string          `json:"toUserId" validate:"required,nefield=FromUserID"`
	CommodityID string          `json:"commodityId" validate:"required"`
	Quantity    int64           `json:"quantity" validate:"gt=0"`
	Price       decimal.Decimal `json:"price"`
	Action      ledger.Action   `json:"action" validate:"required,oneof=buy sell"`
}

type RespondInput struct {
	TradeID  string `json:"tradeId" validate:"required"`
	Accepted bool   `json:"accepted"`
}

type TradeResult struct {
	TradeID string             `json:"tradeId"`
	Success bool               `json:"success"`
	Status  ledger.TradeStatus `json:"status"`
	Message string             `json:"message,omitempty"`
}

type RedeemResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Reward  decimal.Decimal        `json:"reward"`
	Balance decimal.Decimal        `json:"balance"`
	Rule    *ledger.RedemptionRule `json:"rule,omitempty"`
}

type RefreshResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Fee     decimal.Decimal        `json:"fee"`
	Balance decimal.Decimal        `json:"balance"`
	Rule    *ledger.RedemptionRule `json:"rule,omitempty"`
}

type SettlementNotice struct {
	UserID           string          `json:"userId"`
	Payout           decimal.Decimal `json:"payout"`
	Balance          decimal.Decimal `json:"balance"`
	NextSettlementAt time.Time       `json:"nextSettlementAt"`
}

type GlobalSettlementComplete struct {
	Leaderboard []state.LeaderboardEntry `json:"leaderboard"`
	Timestamp   time.Time                `json:"timestamp"`
}

// Report summarizes one settlement run.
type Report struct {
	Policy      string                   `json:"policy"`
	StartedAt   time.Time                `json:"startedAt"`
	FinishedAt  time.Time                `json:"finishedAt"`
	Settled     int                      `json:"settled"`
	Failed      int                      `json:"failed"`
	Bonused     int                      `json:"bonused,omitempty"`
	Leaderboard []state.LeaderboardEntry `json:"leaderboard,omitempty"`
}
