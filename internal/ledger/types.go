package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

type TradeStatus string

const (
	StatusPending    TradeStatus = "pending"
	StatusSuccessful TradeStatus = "successful"
	StatusFailed     TradeStatus = "failed"
	StatusRejected   TradeStatus = "rejected"
)

func (s TradeStatus) Terminal() bool {
	return s == StatusSuccessful || s == StatusFailed || s == StatusRejected
}

// Op selects the direction of a balance or inventory delta.
type Op string

const (
	OpAdd      Op = "add"
	OpSubtract Op = "subtract"
)

type User struct {
	ID               string          `json:"id"`
	Username         string          `json:"username"`
	Balance          decimal.Decimal `json:"balance"`
	NextSettlementAt time.Time       `json:"nextSettlementAt"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type Commodity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

type Trade struct {
	ID          string          `json:"id"`
	FromUserID  string          `json:"fromUserId"`
	ToUserID    string          `json:"toUserId"`
	CommodityID string          `json:"commodityId"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Action      Action          `json:"action"`
	Status      TradeStatus     `json:"status"`
	Message     string          `json:"message,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Parties resolves who gives the commodity and who pays for it. Action is
// read relative to the proposer: a "buy" proposal makes the counterparty
// the seller.
func (t Trade) Parties() (sellerID, buyerID string) {
	if t.Action == ActionBuy {
		return t.ToUserID, t.FromUserID
	}
	return t.FromUserID, t.ToUserID
}

// SameTerms reports whether two trades describe the same proposal,
// ignoring lifecycle fields.
func (t Trade) SameTerms(o Trade) bool {
	return t.ID == o.ID &&
		t.FromUserID == o.FromUserID &&
		t.ToUserID == o.ToUserID &&
		t.CommodityID == o.CommodityID &&
		t.Quantity == o.Quantity &&
		t.Price.Equal(o.Price) &&
		t.Action == o.Action
}

type RequiredItem struct {
	CommodityID string `json:"commodityId"`
	Quantity    int64  `json:"quantity"`
}

type RedemptionRule struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Reward        decimal.Decimal `json:"reward"`
	RequiredItems []RequiredItem  `json:"requiredItems"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type RedemptionRecord struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	RuleID        string          `json:"ruleId"`
	Reward        decimal.Decimal `json:"reward"`
	ConsumedItems []RequiredItem  `json:"consumedItems"`
	CreatedAt     time.Time       `json:"createdAt"`
}
