package game

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commodex/internal/ledger"
)

// Redeem consumes the items of the player's active rule, credits the
// reward and deals a fresh rule. The outcome is always pushed to the
// player; err is non-nil when nothing changed.
func (s *Service) Redeem(ctx context.Context, userID string) (RedeemResult, error) {
	catalog, err := s.commodities(ctx)
	if err != nil {
		return RedeemResult{}, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	var result RedeemResult
	var inventory map[string]int64
	err = s.update(ctx, "redeem", func(tx ledger.Tx) error {
		rule, err := tx.GetRedemptionRule(ctx, userID)
		if err != nil {
			return err
		}
		for _, item := range rule.RequiredItems {
			if _, err := tx.UpdateInventory(ctx, userID, item.CommodityID, item.Quantity, ledger.OpSubtract); err != nil {
				return err
			}
		}
		balance, err := tx.UpdateBalance(ctx, userID, rule.Reward, ledger.OpAdd)
		if err != nil {
			return err
		}
		if err := tx.RecordRedemption(ctx, ledger.RedemptionRecord{
			ID:            uuid.NewString(),
			UserID:        userID,
			RuleID:        rule.ID,
			Reward:        rule.Reward,
			ConsumedItems: rule.RequiredItems,
			CreatedAt:     s.now().UTC(),
		}); err != nil {
			return err
		}
		next := s.newRule(catalog, userID)
		if err := tx.PutRedemptionRule(ctx, next); err != nil {
			return err
		}
		if inventory, err = tx.ListInventory(ctx, userID); err != nil {
			return err
		}
		result = RedeemResult{Success: true, Message: "redeemed", Reward: rule.Reward, Balance: balance, Rule: &next}
		return nil
	})
	if err != nil {
		s.metrics.ObserveRedemption("failed")
		result = RedeemResult{Message: ledger.Message(err)}
		if ledger.KindOf(err) == ledger.KindInternal {
			s.log.Error("redeem failed", zap.String("user_id", userID), zap.Error(err))
		}
		s.notifier.EmitToUser(userID, EventRedeemResult, result)
		return result, err
	}

	s.state.PatchBalances(map[string]decimal.Decimal{userID: result.Balance})
	s.state.SetInventory(userID, inventory)
	s.state.SetRule(userID, *result.Rule)

	s.metrics.ObserveRedemption("redeemed")
	s.log.Info("rule redeemed", zap.String("user_id", userID), zap.String("reward", result.Reward.String()))
	s.notifier.EmitToUser(userID, EventRedeemResult, result)
	s.broadcastState()
	return result, nil
}

// RefreshRule replaces the player's active rule for a fixed fee.
func (s *Service) RefreshRule(ctx context.Context, userID string) (RefreshResult, error) {
	catalog, err := s.commodities(ctx)
	if err != nil {
		return RefreshResult{}, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	fee := s.econ.RefreshFee
	var result RefreshResult
	err = s.update(ctx, "refresh_rule", func(tx ledger.Tx) error {
		balance, err := tx.UpdateBalance(ctx, userID, fee, ledger.OpSubtract)
		if err != nil {
			return err
		}
		next := s.newRule(catalog, userID)
		if err := tx.PutRedemptionRule(ctx, next); err != nil {
			return err
		}
		result = RefreshResult{Success: true, Message: "rule refreshed", Fee: fee, Balance: balance, Rule: &next}
		return nil
	})
	if err != nil {
		result = RefreshResult{Message: ledger.Message(err), Fee: fee}
		if ledger.KindOf(err) == ledger.KindInternal {
			s.log.Error("refresh rule failed", zap.String("user_id", userID), zap.Error(err))
		}
		s.notifier.EmitToUser(userID, EventRefreshResult, result)
		return result, err
	}

	s.state.PatchBalances(map[string]decimal.Decimal{userID: result.Balance})
	s.state.SetRule(userID, *result.Rule)
	s.notifier.EmitToUser(userID, EventRefreshResult, result)
	s.broadcastState()
	return result, nil
}
