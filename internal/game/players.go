package game

import (
	"context"

	"go.uber.org/zap"

	"commodex/internal/ledger"
	"commodex/internal/state"
)

// PlayerReady creates the player on first sight, loads them into the
// projection and replays their trade history and pending proposals.
func (s *Service) PlayerReady(ctx context.Context, id Identity) (state.Snapshot, error) {
	if err := s.validateStruct(id); err != nil {
		return state.Snapshot{}, err
	}
	catalog, err := s.commodities(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}

	unlock := s.locks.Lock(id.UserID)
	created, err := s.ensurePlayer(ctx, id, catalog)
	if err != nil {
		unlock()
		return state.Snapshot{}, err
	}
	player, err := s.loadPlayer(ctx, id.UserID)
	if err != nil {
		unlock()
		return state.Snapshot{}, err
	}
	s.state.UpsertPlayer(player)
	unlock()

	if created {
		s.log.Info("player created", zap.String("user_id", id.UserID), zap.String("username", id.Username))
	}

	history, err := s.History(ctx, id.UserID)
	if err != nil {
		s.log.Warn("load trade history", zap.String("user_id", id.UserID), zap.Error(err))
	} else {
		s.notifier.EmitToUser(id.UserID, EventTradeHistory, history)
		for _, t := range history {
			if t.Status == ledger.StatusPending && t.ToUserID == id.UserID {
				s.notifier.EmitToUser(id.UserID, EventTradeProposal, t)
			}
		}
	}

	snap := s.state.Snapshot()
	s.notifier.EmitToAll(EventGameStateUpdate, snap)
	return snap, nil
}

// ensurePlayer creates the ledger user with a starting balance, a random
// bundle of cards and a redemption rule. An existing user is left as is,
// except that a missing rule is generated.
func (s *Service) ensurePlayer(ctx context.Context, id Identity, catalog []ledger.Commodity) (bool, error) {
	now := s.now().UTC()
	err := s.update(ctx, "player_ready", func(tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, ledger.User{
			ID:               id.UserID,
			Username:         id.Username,
			Balance:          s.econ.StartingBalance,
			NextSettlementAt: now.Add(s.econ.SettlementInterval),
			CreatedAt:        now,
		}); err != nil {
			return err
		}
		if err := s.grantBundle(ctx, tx, id.UserID, catalog); err != nil {
			return err
		}
		return tx.PutRedemptionRule(ctx, s.newRule(catalog, id.UserID))
	})
	if err == nil {
		return true, nil
	}
	if ledger.KindOf(err) != ledger.KindAlreadyExists {
		return false, err
	}

	return false, s.update(ctx, "ensure_rule", func(tx ledger.Tx) error {
		_, err := tx.GetRedemptionRule(ctx, id.UserID)
		if ledger.KindOf(err) != ledger.KindNotFound {
			return err
		}
		return tx.PutRedemptionRule(ctx, s.newRule(catalog, id.UserID))
	})
}

func (s *Service) grantBundle(ctx context.Context, tx ledger.Tx, userID string, catalog []ledger.Commodity) error {
	for commodityID, q := range s.randomBundle(catalog, s.econ.StartingCards) {
		if _, err := tx.UpdateInventory(ctx, userID, commodityID, q, ledger.OpAdd); err != nil {
			return err
		}
	}
	return nil
}
