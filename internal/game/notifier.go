package game

import "fmt"

// Outbound event names.
const (
	EventGameStateUpdate      = "gameStateUpdate"
	EventTradeProposal        = "tradeProposal"
	EventTradeResult          = "tradeResult"
	EventTradeHistory         = "tradeHistory"
	EventRedeemResult         = "redeemResult"
	EventRefreshResult        = "refreshResult"
	EventSettlementComplete   = "settlementComplete"
	EventSettlementStart      = "settlement-start"
	EventGlobalSettlementDone = "global-settlement-complete"
	EventError                = "error"
)

// Inbound event names.
const (
	EventPlayerReady           = "playerReady"
	EventProposeTrade          = "proposeTrade"
	EventTradeResponse         = "tradeResponse"
	EventRedeem                = "redeem"
	EventRefreshCommodities    = "refreshCommodities"
	EventStartGlobalSettlement = "start-global-settlement"
)

func PhaseStartEvent(n int) string    { return fmt.Sprintf("settlement-phase-%d-start", n) }
func PhaseCompleteEvent(n int) string { return fmt.Sprintf("settlement-phase-%d-complete", n) }

// Notifier delivers events to connected players. Delivery to a user who is
// not connected is silently dropped.
type Notifier interface {
	EmitToUser(userID, event string, payload any)
	EmitToAll(event string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) EmitToUser(string, string, any) {}
func (nopNotifier) EmitToAll(string, any)          {}

// MultiNotifier fans every event out to each notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) EmitToUser(userID, event string, payload any) {
	for _, n := range m {
		n.EmitToUser(userID, event, payload)
	}
}

func (m MultiNotifier) EmitToAll(event string, payload any) {
	for _, n := range m {
		n.EmitToAll(event, payload)
	}
}
