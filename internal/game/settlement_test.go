package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commodex/internal/ledger"
	"commodex/internal/state"
)

func TestStaggeredLiquidationPaysProgressively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", 100, map[string]int64{"gold": 3})

	report, err := NewStaggeredLiquidation(f.svc, 0).Settle(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	bal, inv := f.user(t, "A")
	assert.True(t, bal.Equal(decimal.NewFromInt(1600)), bal.String())
	assert.Empty(t, inv)
	assert.Equal(t, 1, f.notify.count("A", EventSettlementComplete))

	var next time.Time
	require.NoError(t, f.mem.View(ctx, func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, "A")
		next = u.NextSettlementAt
		return err
	}))
	assert.True(t, next.Equal(f.now.Add(3*time.Minute)))
}

func TestStaggeredLiquidationSkipsFutureUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", 100, map[string]int64{"gold": 3})
	require.NoError(t, f.mem.Update(ctx, func(tx ledger.Tx) error {
		return tx.SetNextSettlement(ctx, "A", f.now.Add(time.Minute))
	}))

	report, err := NewStaggeredLiquidation(f.svc, 0).Settle(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Settled)

	bal, inv := f.user(t, "A")
	assert.True(t, bal.Equal(decimal.NewFromInt(100)))
	assert.EqualValues(t, 3, inv["gold"])
}

func TestStaggeredLiquidationReschedulesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", 100, map[string]int64{"gold": 1})

	f.mem.InjectConflicts(3)
	report, err := NewStaggeredLiquidation(f.svc, 0).Settle(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	var next time.Time
	require.NoError(t, f.mem.View(ctx, func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, "A")
		next = u.NextSettlementAt
		return err
	}))
	assert.True(t, next.Equal(f.now.Add(time.Minute)), next.String())
	_, inv := f.user(t, "A")
	assert.EqualValues(t, 1, inv["gold"])
}

func TestGlobalScoredSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", 1000, map[string]int64{"gold": 3})
	f.seed(t, "B", 1500, nil)
	f.seed(t, "C", 1000, map[string]int64{"corn": 1, "wheat": 1, "sugar": 1, "coffee": 1, "gold": 1})

	report, err := NewGlobalScored(f.svc, 0).Settle(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Settled)

	// A: 1000 + 3*(100+100) = 1600; B: 1500; C: 1000 + 5*100 = 1500.
	require.Len(t, report.Leaderboard, 3)
	assert.Equal(t, "A", report.Leaderboard[0].UserID)
	assert.Equal(t, "B", report.Leaderboard[1].UserID)
	assert.Equal(t, "C", report.Leaderboard[2].UserID)
	assert.True(t, report.Leaderboard[0].Score.Equal(decimal.NewFromInt(1600)))
	assert.Equal(t, 3, report.Leaderboard[2].Rank)

	for _, id := range []string{"A", "B", "C"} {
		bal, inv := f.user(t, id)
		assert.True(t, bal.Equal(decimal.NewFromInt(2000)), "%s: %s", id, bal)
		total := int64(0)
		for _, q := range inv {
			total += q
		}
		assert.EqualValues(t, 10, total, id)
	}

	board, at := f.svc.State().Leaderboard()
	assert.Len(t, board, 3)
	assert.False(t, at.IsZero())

	names := f.notify.names()
	assert.Equal(t, EventSettlementStart, names[0])
	assert.Contains(t, names, PhaseStartEvent(1))
	assert.Contains(t, names, PhaseCompleteEvent(3))
	assert.Equal(t, 1, f.notify.count("*", EventGlobalSettlementDone))
}

func TestGlobalScoredAppliesTopBonusWithDefaultEconomy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "A", 50_000, map[string]int64{"gold": 5})
	f.seed(t, "B", 30_000, nil)
	f.seed(t, "C", 1_000, nil)

	report, err := NewGlobalScored(f.svc, 0).Settle(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Bonused)

	// A: 50000 + 5*(100+200) = 51500 -> 51500*0.2 + 3000 = 13300.
	// B: 30000 -> 9000. C stays under the threshold.
	require.Len(t, report.Leaderboard, 3)
	want := []struct {
		id    string
		score int64
	}{{"A", 13_300}, {"B", 9_000}, {"C", 1_000}}
	for i, w := range want {
		assert.Equal(t, w.id, report.Leaderboard[i].UserID)
		assert.True(t, report.Leaderboard[i].Score.Equal(decimal.NewFromInt(w.score)),
			"%s: %s", w.id, report.Leaderboard[i].Score)
	}

	board, _ := f.svc.State().Leaderboard()
	require.Len(t, board, 3)
	assert.True(t, board[0].Score.Equal(decimal.NewFromInt(13_300)))
	for _, id := range []string{"A", "B", "C"} {
		bal, _ := f.user(t, id)
		assert.True(t, bal.Equal(decimal.NewFromInt(2000)), "%s: %s", id, bal)
	}
}

func TestGlobalScoredRefusesOverlap(t *testing.T) {
	f := newFixture(t)
	p := NewGlobalScored(f.svc, 0)
	p.running.Store(true)
	_, err := p.Settle(context.Background(), f.now)
	assert.ErrorIs(t, err, ErrSettlementRunning)
}

func TestPolicySchedules(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 3, 1, 12, 7, 30, 0, time.UTC)

	global := NewGlobalScored(f.svc, 5*time.Minute)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 10, 0, 0, time.UTC), global.Next(now))

	staggered := NewStaggeredLiquidation(f.svc, 30*time.Second)
	assert.Equal(t, now.Add(30*time.Second), staggered.Next(now))

	_, err := NewPolicy("weekly", f.svc, 0, 0)
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}

func TestSchedulerStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewScheduler(NewStaggeredLiquidation(f.svc, time.Hour), f.svc).Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerReloadsBeforeRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	workerEvents := &recordingNotifier{}
	worker := NewService(f.mem, state.NewStore(),
		WithNotifier(workerEvents),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, worker.Bootstrap(ctx))

	// Joins after the worker loaded its projection.
	f.seed(t, "late", 3000, map[string]int64{"gold": 1})

	report, err := NewScheduler(NewStaggeredLiquidation(worker, 0), worker, ReloadBeforeRun(worker)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	payload, ok := workerEvents.last("*", EventGameStateUpdate)
	require.True(t, ok)
	snap, ok := payload.(state.Snapshot)
	require.True(t, ok)
	require.Contains(t, snap.Players, "late")
	assert.True(t, snap.Players["late"].Balance.Equal(decimal.NewFromInt(3250)), snap.Players["late"].Balance.String())
	assert.Empty(t, snap.Players["late"].Inventory)
}

// A settlement racing an accepted trade on the same seller must see the
// ledger either before or after the transfer, never a mix of both.
func TestSettlementAndTradeOnSameUserDoNotLoseUpdates(t *testing.T) {
	const (
		start  = 1000
		price  = 300
		payout = 750 // 250 * (1+2) for two gold
	)
	ctx := context.Background()
	retry := WithRetryPolicy(ledger.RetryPolicy{Attempts: 50, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond})

	for i := 0; i < 40; i++ {
		f := newFixture(t, retry)
		f.seed(t, "A", start, map[string]int64{"gold": 2})
		f.seed(t, "B", start, nil)
		require.NoError(t, f.mem.Update(ctx, func(tx ledger.Tx) error {
			return tx.SetNextSettlement(ctx, "B", f.now.Add(time.Hour))
		}))
		_, err := f.svc.Propose(ctx, sellProposal("t", "A", "B", 2, price))
		require.NoError(t, err)

		// Odd rounds settle from a second process on the same ledger, where
		// the per-user locks do not reach and only commit validation holds.
		settler := f.svc
		if i%2 == 1 {
			settler = NewService(f.mem, state.NewStore(), retry, WithClock(func() time.Time { return f.now }))
			require.NoError(t, settler.Bootstrap(ctx))
		}

		var wg sync.WaitGroup
		ready := make(chan struct{})
		var report Report
		var settleErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-ready
			_, _ = f.svc.Respond(ctx, "t", "B", true)
		}()
		go func() {
			defer wg.Done()
			<-ready
			report, settleErr = NewStaggeredLiquidation(settler, 0).Settle(ctx, f.now)
		}()
		close(ready)
		wg.Wait()

		require.NoError(t, settleErr)
		require.Equal(t, 1, report.Settled, "round %d", i)

		aBal, aInv := f.user(t, "A")
		bBal, bInv := f.user(t, "B")
		assert.Zero(t, aInv["gold"], "round %d", i)
		switch f.trade(t, "t").Status {
		case ledger.StatusSuccessful:
			assert.True(t, aBal.Equal(decimal.NewFromInt(start+price)), "round %d: A=%s", i, aBal)
			assert.True(t, bBal.Equal(decimal.NewFromInt(start-price)), "round %d: B=%s", i, bBal)
			assert.EqualValues(t, 2, bInv["gold"], "round %d", i)
		case ledger.StatusFailed:
			assert.True(t, aBal.Equal(decimal.NewFromInt(start+payout)), "round %d: A=%s", i, aBal)
			assert.True(t, bBal.Equal(decimal.NewFromInt(start)), "round %d: B=%s", i, bBal)
			assert.Zero(t, bInv["gold"], "round %d", i)
		default:
			t.Fatalf("round %d: trade left %s", i, f.trade(t, "t").Status)
		}
	}
}
