package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the behaviour every backend must share. Ids are
// random so the shared backends can be reused between runs.
func runContract(t *testing.T, l Ledger) {
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	alice, bob := "alice-"+suffix, "bob-"+suffix

	require.NoError(t, l.Update(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, User{ID: alice, Username: "alice", Balance: decimal.NewFromInt(1000)}); err != nil {
			return err
		}
		if err := tx.CreateUser(ctx, User{ID: bob, Username: "bob", Balance: decimal.NewFromInt(500)}); err != nil {
			return err
		}
		_, err := tx.UpdateInventory(ctx, alice, "gold", 2, OpAdd)
		return err
	}))

	t.Run("create user twice", func(t *testing.T) {
		err := l.Update(ctx, func(tx Tx) error {
			return tx.CreateUser(ctx, User{ID: alice, Username: "again", Balance: decimal.Zero})
		})
		assert.Equal(t, KindAlreadyExists, KindOf(err))
	})

	t.Run("missing user", func(t *testing.T) {
		err := l.View(ctx, func(tx Tx) error {
			_, err := tx.GetUser(ctx, "nobody-"+suffix)
			return err
		})
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("inventory never negative", func(t *testing.T) {
		err := l.Update(ctx, func(tx Tx) error {
			_, err := tx.UpdateInventory(ctx, bob, "gold", 1, OpSubtract)
			return err
		})
		assert.Equal(t, KindInsufficientInventory, KindOf(err))
	})

	t.Run("balance never negative", func(t *testing.T) {
		err := l.Update(ctx, func(tx Tx) error {
			_, err := tx.UpdateBalance(ctx, bob, decimal.NewFromInt(501), OpSubtract)
			return err
		})
		assert.Equal(t, KindInsufficientFunds, KindOf(err))
	})

	t.Run("failed unit keeps nothing", func(t *testing.T) {
		err := l.Update(ctx, func(tx Tx) error {
			if _, err := tx.UpdateInventory(ctx, alice, "gold", 2, OpSubtract); err != nil {
				return err
			}
			if _, err := tx.UpdateInventory(ctx, bob, "gold", 2, OpAdd); err != nil {
				return err
			}
			_, err := tx.UpdateBalance(ctx, bob, decimal.NewFromInt(10_000), OpSubtract)
			return err
		})
		require.Error(t, err)

		require.NoError(t, l.View(ctx, func(tx Tx) error {
			a, err := tx.GetInventory(ctx, alice, "gold")
			require.NoError(t, err)
			b, err := tx.GetInventory(ctx, bob, "gold")
			require.NoError(t, err)
			assert.EqualValues(t, 2, a)
			assert.EqualValues(t, 0, b)
			return nil
		}))
	})

	t.Run("reads observe own writes", func(t *testing.T) {
		require.NoError(t, l.Update(ctx, func(tx Tx) error {
			if _, err := tx.UpdateBalance(ctx, alice, decimal.NewFromInt(5), OpAdd); err != nil {
				return err
			}
			u, err := tx.GetUser(ctx, alice)
			require.NoError(t, err)
			assert.True(t, u.Balance.Equal(decimal.NewFromInt(1005)), u.Balance.String())
			_, err = tx.UpdateBalance(ctx, alice, decimal.NewFromInt(5), OpSubtract)
			return err
		}))
	})

	t.Run("trade status set once", func(t *testing.T) {
		id := "trade-" + suffix
		trade := Trade{
			ID: id, FromUserID: alice, ToUserID: bob, CommodityID: "gold",
			Quantity: 1, Price: decimal.NewFromInt(10), Action: ActionSell, Status: StatusPending,
		}
		require.NoError(t, l.Update(ctx, func(tx Tx) error { return tx.CreateTrade(ctx, trade) }))

		err := l.Update(ctx, func(tx Tx) error { return tx.CreateTrade(ctx, trade) })
		assert.Equal(t, KindAlreadyExists, KindOf(err))

		require.NoError(t, l.Update(ctx, func(tx Tx) error {
			return tx.SetTradeStatus(ctx, id, StatusRejected, "")
		}))
		err = l.Update(ctx, func(tx Tx) error {
			return tx.SetTradeStatus(ctx, id, StatusSuccessful, "")
		})
		assert.Equal(t, KindValidation, KindOf(err))

		history, err := l.ListTradeHistory(ctx, bob)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, StatusRejected, history[0].Status)
		assert.NotNil(t, history[0].CompletedAt)
	})

	t.Run("redemption rule replaced", func(t *testing.T) {
		rule := RedemptionRule{
			ID: "rule-1-" + suffix, UserID: alice, Reward: decimal.NewFromInt(625),
			RequiredItems: []RequiredItem{{CommodityID: "gold", Quantity: 1}, {CommodityID: "corn", Quantity: 2}},
		}
		require.NoError(t, l.Update(ctx, func(tx Tx) error { return tx.PutRedemptionRule(ctx, rule) }))
		rule.ID = "rule-2-" + suffix
		require.NoError(t, l.Update(ctx, func(tx Tx) error { return tx.PutRedemptionRule(ctx, rule) }))

		require.NoError(t, l.View(ctx, func(tx Tx) error {
			got, err := tx.GetRedemptionRule(ctx, alice)
			require.NoError(t, err)
			assert.Equal(t, rule.ID, got.ID)
			assert.Len(t, got.RequiredItems, 2)
			return nil
		}))
	})

	t.Run("next settlement", func(t *testing.T) {
		at := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, l.Update(ctx, func(tx Tx) error { return tx.SetNextSettlement(ctx, bob, at) }))
		require.NoError(t, l.View(ctx, func(tx Tx) error {
			u, err := tx.GetUser(ctx, bob)
			require.NoError(t, err)
			assert.True(t, u.NextSettlementAt.Equal(at))
			return nil
		}))
	})
}

// checkViewRejectsTornRead commits a sale between two reads of one View
// and expects the View to fail instead of returning old balance with new
// inventory.
func checkViewRejectsTornRead(t *testing.T, l Ledger, seller, buyer string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, User{ID: seller, Balance: decimal.NewFromInt(1000)}); err != nil {
			return err
		}
		if err := tx.CreateUser(ctx, User{ID: buyer, Balance: decimal.NewFromInt(1000)}); err != nil {
			return err
		}
		_, err := tx.UpdateInventory(ctx, seller, "gold", 2, OpAdd)
		return err
	}))

	err := l.View(ctx, func(tx Tx) error {
		if _, err := tx.GetUser(ctx, seller); err != nil {
			return err
		}
		require.NoError(t, l.Update(ctx, func(inner Tx) error {
			if _, err := inner.UpdateInventory(ctx, seller, "gold", 2, OpSubtract); err != nil {
				return err
			}
			if _, err := inner.UpdateInventory(ctx, buyer, "gold", 2, OpAdd); err != nil {
				return err
			}
			if _, err := inner.UpdateBalance(ctx, buyer, decimal.NewFromInt(300), OpSubtract); err != nil {
				return err
			}
			_, err := inner.UpdateBalance(ctx, seller, decimal.NewFromInt(300), OpAdd)
			return err
		}))
		_, err := tx.GetInventory(ctx, seller, "gold")
		return err
	})
	assert.True(t, IsConflict(err), "got %v", err)

	require.NoError(t, l.View(ctx, func(tx Tx) error {
		u, err := tx.GetUser(ctx, seller)
		require.NoError(t, err)
		gold, err := tx.GetInventory(ctx, seller, "gold")
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(decimal.NewFromInt(1300)))
		assert.Zero(t, gold)
		return nil
	}))
}
