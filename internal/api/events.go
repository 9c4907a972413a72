package api

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commodex/internal/game"
	"commodex/internal/ledger"
)

type errorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// dispatch handles one inbound websocket frame. The player is always the
// connection's authenticated identity; ids in the payload are ignored.
func (s *Server) dispatch(ctx context.Context, c *Client, f Frame) {
	id := c.Identity()
	switch f.Type {
	case game.EventPlayerReady:
		if _, err := s.game.PlayerReady(ctx, game.Identity{UserID: id.UserID, Username: id.Username}); err != nil {
			s.emitError(c, f.Type, err)
		}

	case game.EventProposeTrade:
		var in proposeBody
		if err := decodeFrame(f, &in); err != nil {
			s.emitError(c, f.Type, err)
			return
		}
		if _, err := s.game.Propose(ctx, in.input(id.UserID, uuid.NewString())); err != nil {
			s.emitError(c, f.Type, err)
		}

	case game.EventTradeResponse:
		var in game.RespondInput
		if err := decodeFrame(f, &in); err != nil {
			s.emitError(c, f.Type, err)
			return
		}
		if in.TradeID == "" {
			s.emitError(c, f.Type, ledger.Validationf("tradeId is required"))
			return
		}
		if _, err := s.game.Respond(ctx, in.TradeID, id.UserID, in.Accepted); err != nil {
			c.Emit(game.EventTradeResult, game.TradeResult{TradeID: in.TradeID, Message: ledger.Message(err)})
			s.logDispatchError(f.Type, id.UserID, err)
		}

	case game.EventRedeem:
		// The result event is emitted by the service either way.
		if _, err := s.game.Redeem(ctx, id.UserID); err != nil {
			s.logDispatchError(f.Type, id.UserID, err)
		}

	case game.EventRefreshCommodities:
		if _, err := s.game.RefreshRule(ctx, id.UserID); err != nil {
			s.logDispatchError(f.Type, id.UserID, err)
		}

	case game.EventStartGlobalSettlement:
		if s.global == nil {
			s.emitError(c, f.Type, ledger.Validationf("global settlement is not enabled"))
			return
		}
		// A run outlives the connection that asked for it.
		runCtx := context.WithoutCancel(ctx)
		go func() {
			if _, err := s.global.RunOnce(runCtx); err != nil {
				if stderrors.Is(err, game.ErrSettlementRunning) {
					c.Emit(game.EventError, errorPayload{Event: f.Type, Message: err.Error()})
					return
				}
				s.log.Error("on-demand global settlement", zap.String("user_id", id.UserID), zap.Error(err))
			}
		}()

	default:
		c.Emit(game.EventError, errorPayload{Event: f.Type, Message: "unknown event"})
	}
}

func decodeFrame(f Frame, out any) error {
	if len(f.Data) == 0 {
		return ledger.Validationf("%s: missing data", f.Type)
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return ledger.Validationf("%s: %v", f.Type, err)
	}
	return nil
}

func (s *Server) emitError(c *Client, event string, err error) {
	c.Emit(game.EventError, errorPayload{Event: event, Message: ledger.Message(err)})
	s.logDispatchError(event, c.Identity().UserID, err)
}

func (s *Server) logDispatchError(event, userID string, err error) {
	if ledger.KindOf(err) == ledger.KindInternal {
		s.log.Error("event failed", zap.String("event", event), zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.log.Debug("event rejected", zap.String("event", event), zap.String("user_id", userID), zap.Error(err))
}
