package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"commodex/internal/ledger"
	"commodex/internal/state"
)

type emitted struct {
	to      string
	event   string
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingNotifier) EmitToUser(userID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{to: userID, event: event, payload: payload})
}

func (r *recordingNotifier) EmitToAll(event string, payload any) {
	r.EmitToUser("*", event, payload)
}

func (r *recordingNotifier) count(to, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.to == to && e.event == event {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) last(to, event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].to == to && r.events[i].event == event {
			return r.events[i].payload, true
		}
	}
	return nil, false
}

func (r *recordingNotifier) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

type fixture struct {
	svc    *Service
	mem    *ledger.Memory
	notify *recordingNotifier
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mem:    ledger.NewMemory(),
		notify: &recordingNotifier{},
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithNotifier(f.notify),
		WithClock(func() time.Time { return f.now }),
		WithRandSeed(7),
		WithRetryPolicy(ledger.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}),
	}
	f.svc = NewService(f.mem, state.NewStore(), append(base, opts...)...)
	require.NoError(t, f.svc.Bootstrap(context.Background()))
	return f
}

// seed creates a user with the given balance and holdings directly in the
// ledger and loads the projection.
func (f *fixture) seed(t *testing.T, id string, balance int64, inv map[string]int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mem.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, ledger.User{
			ID: id, Username: id, Balance: decimal.NewFromInt(balance), NextSettlementAt: f.now,
		}); err != nil {
			return err
		}
		for c, q := range inv {
			if _, err := tx.UpdateInventory(ctx, id, c, q, ledger.OpAdd); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, f.svc.Reload(ctx))
}

func (f *fixture) user(t *testing.T, id string) (decimal.Decimal, map[string]int64) {
	t.Helper()
	ctx := context.Background()
	var bal decimal.Decimal
	var inv map[string]int64
	require.NoError(t, f.mem.View(ctx, func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		bal = u.Balance
		inv, err = tx.ListInventory(ctx, id)
		return err
	}))
	return bal, inv
}

func (f *fixture) trade(t *testing.T, id string) ledger.Trade {
	t.Helper()
	ctx := context.Background()
	var tr ledger.Trade
	require.NoError(t, f.mem.View(ctx, func(tx ledger.Tx) error {
		var err error
		tr, err = tx.GetTrade(ctx, id)
		return err
	}))
	return tr
}

func sellProposal(id, from, to string, qty, price int64) ProposeInput {
	return ProposeInput{
		TradeID: id, FromUserID: from, ToUserID: to, CommodityID: "gold",
		Quantity: qty, Price: decimal.NewFromInt(price), Action: ledger.ActionSell,
	}
}
