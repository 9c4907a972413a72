// Package ledger is the durable record of users, inventories, trades and
// redemption rules. Every backend honours the same contract: an Update is
// one atomic unit, and a concurrent modification of anything the unit read
// fails the whole unit with ErrConflict.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is the view of the ledger inside one atomic unit. Reads observe the
// unit's own writes.
type Tx interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (User, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	UpdateBalance(ctx context.Context, userID string, delta decimal.Decimal, op Op) (decimal.Decimal, error)
	SetNextSettlement(ctx context.Context, userID string, at time.Time) error

	// GetInventory returns 0 when the user has never held the commodity.
	GetInventory(ctx context.Context, userID, commodityID string) (int64, error)
	ListInventory(ctx context.Context, userID string) (map[string]int64, error)
	UpdateInventory(ctx context.Context, userID, commodityID string, delta int64, op Op) (int64, error)

	CreateTrade(ctx context.Context, t Trade) error
	GetTrade(ctx context.Context, tradeID string) (Trade, error)
	// SetTradeStatus moves a pending trade to a terminal status. A trade
	// that is no longer pending is left untouched and ErrValidation returned.
	SetTradeStatus(ctx context.Context, tradeID string, status TradeStatus, message string) error

	GetRedemptionRule(ctx context.Context, userID string) (RedemptionRule, error)
	PutRedemptionRule(ctx context.Context, rule RedemptionRule) error
	RecordRedemption(ctx context.Context, rec RedemptionRecord) error
}

type Ledger interface {
	// Update runs fn as one atomic unit. If fn returns an error nothing it
	// wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent read of the ledger. Writes are
	// discarded.
	View(ctx context.Context, fn func(tx Tx) error) error

	ListUsers(ctx context.Context) ([]User, error)
	// ListTradeHistory returns trades involving userID, newest first.
	ListTradeHistory(ctx context.Context, userID string) ([]Trade, error)
	Commodities(ctx context.Context) ([]Commodity, error)
	// EnsureCommodities seeds the catalog when it is empty.
	EnsureCommodities(ctx context.Context, catalog []Commodity) error
	Close() error
}

// DefaultCatalog is the commodity set the game starts with.
func DefaultCatalog() []Commodity {
	return []Commodity{
		{ID: "gold", Name: "Gold", ImageURL: "/images/gold.png"},
		{ID: "silver", Name: "Silver", ImageURL: "/images/silver.png"},
		{ID: "crude-oil", Name: "Crude Oil", ImageURL: "/images/oil.png"},
		{ID: "natural-gas", Name: "Natural Gas", ImageURL: "/images/gas.png"},
		{ID: "corn", Name: "Corn", ImageURL: "/images/corn.png"},
		{ID: "wheat", Name: "Wheat", ImageURL: "/images/wheat.png"},
		{ID: "coffee", Name: "Coffee", ImageURL: "/images/coffee.png"},
		{ID: "sugar", Name: "Sugar", ImageURL: "/images/sugar.png"},
	}
}

func applyBalance(current, delta decimal.Decimal, op Op, userID string) (decimal.Decimal, error) {
	if delta.IsNegative() {
		return current, Validationf("balance delta must be >= 0, got %s", delta)
	}
	switch op {
	case OpAdd:
		return current.Add(delta), nil
	case OpSubtract:
		if current.LessThan(delta) {
			return current, wrapf(ErrInsufficientFunds, "user %s has %s, needs %s", userID, current.StringFixed(2), delta.StringFixed(2))
		}
		return current.Sub(delta), nil
	default:
		return current, Validationf("unknown op %q", op)
	}
}

func applyQuantity(current, delta int64, op Op, userID, commodityID string) (int64, error) {
	if delta < 0 {
		return current, Validationf("quantity delta must be >= 0, got %d", delta)
	}
	switch op {
	case OpAdd:
		return current + delta, nil
	case OpSubtract:
		if current < delta {
			return current, wrapf(ErrInsufficientInventory, "user %s holds %d %s, needs %d", userID, current, commodityID, delta)
		}
		return current - delta, nil
	default:
		return current, Validationf("unknown op %q", op)
	}
}
