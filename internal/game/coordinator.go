package game

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commodex/internal/ledger"
)

var errRejectedTwice = stderrors.New("trade already rejected")

// Propose validates a trade and stores it as pending. Proposing the same
// trade id again with identical terms returns the stored trade without
// notifying anyone a second time.
func (s *Service) Propose(ctx context.Context, in ProposeInput) (ledger.Trade, error) {
	if err := s.validateStruct(in); err != nil {
		return ledger.Trade{}, err
	}
	if in.Price.IsNegative() {
		return ledger.Trade{}, ledger.Validationf("price must be >= 0")
	}
	ok, err := s.hasCommodity(ctx, in.CommodityID)
	if err != nil {
		return ledger.Trade{}, err
	}
	if !ok {
		return ledger.Trade{}, ledger.NotFoundf("commodity %s", in.CommodityID)
	}

	trade := ledger.Trade{
		ID:          in.TradeID,
		FromUserID:  in.FromUserID,
		ToUserID:    in.ToUserID,
		CommodityID: in.CommodityID,
		Quantity:    in.Quantity,
		Price:       in.Price,
		Action:      in.Action,
		Status:      ledger.StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	err = s.update(ctx, "propose", func(tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, trade.FromUserID); err != nil {
			return err
		}
		if _, err := tx.GetUser(ctx, trade.ToUserID); err != nil {
			return err
		}
		return tx.CreateTrade(ctx, trade)
	})
	if ledger.KindOf(err) == ledger.KindAlreadyExists {
		return s.existingProposal(ctx, trade)
	}
	if err != nil {
		s.metrics.ObserveTrade("propose_failed")
		return ledger.Trade{}, err
	}

	s.metrics.ObserveTrade("proposed")
	s.log.Info("trade proposed",
		zap.String("trade_id", trade.ID),
		zap.String("from", trade.FromUserID),
		zap.String("to", trade.ToUserID),
		zap.String("action", string(trade.Action)),
	)
	s.notifier.EmitToUser(trade.ToUserID, EventTradeProposal, trade)
	return trade, nil
}

func (s *Service) existingProposal(ctx context.Context, trade ledger.Trade) (ledger.Trade, error) {
	var stored ledger.Trade
	err := s.ledger.View(ctx, func(tx ledger.Tx) error {
		var err error
		stored, err = tx.GetTrade(ctx, trade.ID)
		return err
	})
	if err != nil {
		return ledger.Trade{}, err
	}
	if !stored.SameTerms(trade) {
		return ledger.Trade{}, ledger.Validationf("trade id %s is already used by a different trade", trade.ID)
	}
	return stored, nil
}

// Respond applies the counterparty's answer to a pending trade. A failed
// transfer is a recorded outcome, not an error: the trade ends up failed
// and both parties are told why. Errors are returned only when the
// response itself cannot be applied.
func (s *Service) Respond(ctx context.Context, tradeID, responderID string, accepted bool) (TradeResult, error) {
	var trade ledger.Trade
	err := s.ledger.View(ctx, func(tx ledger.Tx) error {
		var err error
		trade, err = tx.GetTrade(ctx, tradeID)
		return err
	})
	if err != nil {
		return TradeResult{}, err
	}
	if trade.ToUserID != responderID {
		return TradeResult{}, errors.Wrapf(ErrUnauthorized, "only the counterparty can respond to trade %s", tradeID)
	}

	unlock := s.locks.Lock(trade.FromUserID, trade.ToUserID)
	defer unlock()

	if !accepted {
		return s.reject(ctx, trade)
	}
	return s.accept(ctx, trade)
}

func (s *Service) reject(ctx context.Context, trade ledger.Trade) (TradeResult, error) {
	const msg = "trade rejected by counterparty"
	err := s.update(ctx, "reject", func(tx ledger.Tx) error {
		current, err := tx.GetTrade(ctx, trade.ID)
		if err != nil {
			return err
		}
		if current.Status == ledger.StatusRejected {
			return errRejectedTwice
		}
		return tx.SetTradeStatus(ctx, trade.ID, ledger.StatusRejected, msg)
	})
	if stderrors.Is(err, errRejectedTwice) {
		return TradeResult{TradeID: trade.ID, Status: ledger.StatusRejected, Message: msg}, nil
	}
	if err != nil {
		return TradeResult{}, err
	}

	result := TradeResult{TradeID: trade.ID, Status: ledger.StatusRejected, Message: msg}
	s.metrics.ObserveTrade("rejected")
	s.notifyResult(trade, result)
	s.sendState(trade.FromUserID, trade.ToUserID)
	return result, nil
}

type transfer struct {
	sellerID, buyerID   string
	sellerBal, buyerBal decimal.Decimal
	sellerInv, buyerInv map[string]int64
}

func (s *Service) accept(ctx context.Context, trade ledger.Trade) (TradeResult, error) {
	var out transfer
	var closed ledger.TradeStatus
	err := s.update(ctx, "accept", func(tx ledger.Tx) error {
		closed = ""
		current, err := tx.GetTrade(ctx, trade.ID)
		if err != nil {
			return err
		}
		if current.Status != ledger.StatusPending {
			closed = current.Status
			return ledger.Validationf("trade %s is already %s", trade.ID, current.Status)
		}
		out, err = applyTransfer(ctx, tx, current)
		if err != nil {
			return err
		}
		return tx.SetTradeStatus(ctx, trade.ID, ledger.StatusSuccessful, "")
	})

	if closed != "" {
		return TradeResult{TradeID: trade.ID, Status: closed, Message: ledger.Message(err)}, err
	}
	if err != nil {
		if ctx.Err() != nil {
			return TradeResult{}, err
		}
		return s.fail(ctx, trade, err)
	}

	s.state.PatchBalances(map[string]decimal.Decimal{out.sellerID: out.sellerBal, out.buyerID: out.buyerBal})
	s.state.SetInventory(out.sellerID, out.sellerInv)
	s.state.SetInventory(out.buyerID, out.buyerInv)

	result := TradeResult{TradeID: trade.ID, Success: true, Status: ledger.StatusSuccessful, Message: "trade completed"}
	s.metrics.ObserveTrade("successful")
	s.log.Info("trade completed",
		zap.String("trade_id", trade.ID),
		zap.String("seller", out.sellerID),
		zap.String("buyer", out.buyerID),
		zap.Int64("quantity", trade.Quantity),
		zap.String("price", trade.Price.String()),
	)
	s.notifyResult(trade, result)
	s.broadcastState()
	return result, nil
}

// applyTransfer moves the commodity to the buyer and the price to the
// seller. Both guards run before any write.
func applyTransfer(ctx context.Context, tx ledger.Tx, trade ledger.Trade) (transfer, error) {
	sellerID, buyerID := trade.Parties()
	out := transfer{sellerID: sellerID, buyerID: buyerID}

	held, err := tx.GetInventory(ctx, sellerID, trade.CommodityID)
	if err != nil {
		return out, err
	}
	if held < trade.Quantity {
		return out, errors.Wrapf(ledger.ErrInsufficientInventory,
			"seller holds %d %s, trade needs %d", held, trade.CommodityID, trade.Quantity)
	}
	buyer, err := tx.GetUser(ctx, buyerID)
	if err != nil {
		return out, err
	}
	if buyer.Balance.LessThan(trade.Price) {
		return out, errors.Wrapf(ledger.ErrInsufficientFunds,
			"buyer has %s, trade costs %s", buyer.Balance.StringFixed(2), trade.Price.StringFixed(2))
	}

	if _, err := tx.UpdateInventory(ctx, sellerID, trade.CommodityID, trade.Quantity, ledger.OpSubtract); err != nil {
		return out, err
	}
	if _, err := tx.UpdateInventory(ctx, buyerID, trade.CommodityID, trade.Quantity, ledger.OpAdd); err != nil {
		return out, err
	}
	if out.sellerBal, err = tx.UpdateBalance(ctx, sellerID, trade.Price, ledger.OpAdd); err != nil {
		return out, err
	}
	if out.buyerBal, err = tx.UpdateBalance(ctx, buyerID, trade.Price, ledger.OpSubtract); err != nil {
		return out, err
	}
	if out.sellerInv, err = tx.ListInventory(ctx, sellerID); err != nil {
		return out, err
	}
	if out.buyerInv, err = tx.ListInventory(ctx, buyerID); err != nil {
		return out, err
	}
	return out, nil
}

// fail records a failed transfer in its own atomic unit.
func (s *Service) fail(ctx context.Context, trade ledger.Trade, cause error) (TradeResult, error) {
	msg := ledger.Message(cause)
	kind := ledger.KindOf(cause)
	if kind == ledger.KindInternal {
		s.log.Error("trade transfer failed", zap.String("trade_id", trade.ID), zap.Error(cause))
	} else {
		s.log.Info("trade failed", zap.String("trade_id", trade.ID), zap.String("kind", string(kind)), zap.String("reason", msg))
	}

	err := s.update(ctx, "fail", func(tx ledger.Tx) error {
		return tx.SetTradeStatus(ctx, trade.ID, ledger.StatusFailed, msg)
	})
	if err != nil {
		s.log.Error("record failed trade", zap.String("trade_id", trade.ID), zap.Error(err))
		if ctx.Err() != nil {
			return TradeResult{}, err
		}
	}

	result := TradeResult{TradeID: trade.ID, Status: ledger.StatusFailed, Message: msg}
	s.metrics.ObserveTrade("failed")
	s.notifyResult(trade, result)
	s.sendState(trade.FromUserID, trade.ToUserID)
	return result, nil
}

func (s *Service) notifyResult(trade ledger.Trade, result TradeResult) {
	s.notifier.EmitToUser(trade.FromUserID, EventTradeResult, result)
	s.notifier.EmitToUser(trade.ToUserID, EventTradeResult, result)
}

// History returns every trade involving userID, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]ledger.Trade, error) {
	return s.ledger.ListTradeHistory(ctx, userID)
}

// Pending returns the proposals still waiting for userID's answer.
func (s *Service) Pending(ctx context.Context, userID string) ([]ledger.Trade, error) {
	trades, err := s.ledger.ListTradeHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := trades[:0]
	for _, t := range trades {
		if t.Status == ledger.StatusPending && t.ToUserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
