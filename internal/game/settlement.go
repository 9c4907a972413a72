package game

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commodex/internal/ledger"
)

const (
	PolicyStaggered = "staggered"
	PolicyGlobal    = "global"
)

// Policy is one settlement algorithm.
type Policy interface {
	Name() string
	// Next returns the first fire time strictly after now.
	Next(now time.Time) time.Time
	Settle(ctx context.Context, now time.Time) (Report, error)
}

var errNotDue = stderrors.New("settlement not due")

// StaggeredLiquidation settles each user on their own schedule: every held
// commodity is sold at the progressive price and the inventory emptied.
type StaggeredLiquidation struct {
	svc  *Service
	tick time.Duration
}

func NewStaggeredLiquidation(svc *Service, tick time.Duration) *StaggeredLiquidation {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &StaggeredLiquidation{svc: svc, tick: tick}
}

func (p *StaggeredLiquidation) Name() string { return PolicyStaggered }

func (p *StaggeredLiquidation) Next(now time.Time) time.Time {
	return now.Add(p.tick)
}

func (p *StaggeredLiquidation) Settle(ctx context.Context, now time.Time) (Report, error) {
	s := p.svc
	report := Report{Policy: p.Name(), StartedAt: now}
	users, err := s.ledger.ListUsers(ctx)
	if err != nil {
		return report, err
	}
	for _, u := range users {
		if u.NextSettlementAt.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		notice, err := p.settleUser(ctx, u.ID, now)
		if stderrors.Is(err, errNotDue) {
			continue
		}
		if err != nil {
			report.Failed++
			s.log.Warn("settlement failed, rescheduling",
				zap.String("user_id", u.ID),
				zap.Duration("retry_in", s.econ.SettlementRetry),
				zap.Error(err),
			)
			p.reschedule(ctx, u.ID, now.Add(s.econ.SettlementRetry))
			continue
		}
		report.Settled++
		s.notifier.EmitToUser(u.ID, EventSettlementComplete, notice)
	}
	report.FinishedAt = s.now().UTC()
	if report.Settled > 0 {
		s.broadcastState()
	}
	return report, nil
}

func (p *StaggeredLiquidation) settleUser(ctx context.Context, userID string, now time.Time) (SettlementNotice, error) {
	s := p.svc
	unlock := s.locks.Lock(userID)
	defer unlock()

	next := now.Add(s.econ.SettlementInterval)
	var notice SettlementNotice
	err := s.update(ctx, "settle_user", func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.NextSettlementAt.After(now) {
			return errNotDue
		}
		inv, err := tx.ListInventory(ctx, userID)
		if err != nil {
			return err
		}
		payout := LiquidationPayout(s.econ.ProgressiveBase, inv)
		balance, err := tx.UpdateBalance(ctx, userID, payout, ledger.OpAdd)
		if err != nil {
			return err
		}
		for commodityID, q := range inv {
			if _, err := tx.UpdateInventory(ctx, userID, commodityID, q, ledger.OpSubtract); err != nil {
				return err
			}
		}
		if err := tx.SetNextSettlement(ctx, userID, next); err != nil {
			return err
		}
		notice = SettlementNotice{UserID: userID, Payout: payout, Balance: balance, NextSettlementAt: next}
		return nil
	})
	if err != nil {
		return notice, err
	}
	s.state.PatchBalances(map[string]decimal.Decimal{userID: notice.Balance})
	s.state.SetInventory(userID, nil)
	s.log.Info("user settled",
		zap.String("user_id", userID),
		zap.String("payout", notice.Payout.String()),
		zap.String("balance", notice.Balance.String()),
	)
	return notice, nil
}

func (p *StaggeredLiquidation) reschedule(ctx context.Context, userID string, at time.Time) {
	s := p.svc
	unlock := s.locks.Lock(userID)
	defer unlock()
	err := s.update(ctx, "reschedule", func(tx ledger.Tx) error {
		return tx.SetNextSettlement(ctx, userID, at)
	})
	if err != nil {
		s.log.Error("reschedule settlement", zap.String("user_id", userID), zap.Error(err))
	}
}

// GlobalScored settles every user at once on aligned wall-clock
// boundaries: holdings are scored, the player is dealt a fresh start, and
// the scores become the leaderboard.
type GlobalScored struct {
	svc     *Service
	every   time.Duration
	running atomic.Bool
}

func NewGlobalScored(svc *Service, every time.Duration) *GlobalScored {
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &GlobalScored{svc: svc, every: every}
}

func (p *GlobalScored) Name() string { return PolicyGlobal }

func (p *GlobalScored) Next(now time.Time) time.Time {
	return now.Truncate(p.every).Add(p.every)
}

func (p *GlobalScored) Settle(ctx context.Context, now time.Time) (Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Report{Policy: p.Name()}, ErrSettlementRunning
	}
	defer p.running.Store(false)

	s := p.svc
	report := Report{Policy: p.Name(), StartedAt: now}
	s.notifier.EmitToAll(EventSettlementStart, map[string]any{"timestamp": now})

	catalog, err := s.commodities(ctx)
	if err != nil {
		return report, err
	}
	users, err := s.ledger.ListUsers(ctx)
	if err != nil {
		return report, err
	}

	s.notifier.EmitToAll(PhaseStartEvent(1), nil)
	scores := make([]Score, 0, len(users))
	for _, u := range users {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		score, err := p.rescore(ctx, u, catalog)
		if err != nil {
			report.Failed++
			s.log.Warn("global settlement skipped user", zap.String("user_id", u.ID), zap.Error(err))
			continue
		}
		report.Settled++
		scores = append(scores, score)
	}
	s.notifier.EmitToAll(PhaseCompleteEvent(1), nil)

	// Phase 1 already reset the ledger; the bonus adjusts the recorded scores.
	s.notifier.EmitToAll(PhaseStartEvent(2), nil)
	scores, report.Bonused = BonusTopScores(scores, s.econ.TopBonus)
	s.notifier.EmitToAll(PhaseCompleteEvent(2), nil)

	s.notifier.EmitToAll(PhaseStartEvent(3), nil)
	board := RankLeaderboard(scores)
	finished := s.now().UTC()
	s.state.SetLeaderboard(board, finished)
	s.notifier.EmitToAll(EventGlobalSettlementDone, GlobalSettlementComplete{Leaderboard: board, Timestamp: finished})
	s.notifier.EmitToAll(PhaseCompleteEvent(3), nil)

	report.Leaderboard = board
	report.FinishedAt = finished
	s.broadcastState()
	return report, nil
}

// rescore scores one user and deals them a fresh start in one atomic unit.
// The returned score is the pre-reset value.
func (p *GlobalScored) rescore(ctx context.Context, u ledger.User, catalog []ledger.Commodity) (Score, error) {
	s := p.svc
	unlock := s.locks.Lock(u.ID)
	defer unlock()

	var score decimal.Decimal
	var inventory map[string]int64
	var rule ledger.RedemptionRule
	err := s.update(ctx, "global_settle", func(tx ledger.Tx) error {
		current, err := tx.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		inv, err := tx.ListInventory(ctx, u.ID)
		if err != nil {
			return err
		}
		score = FinalScore(current.Balance, inv, s.econ.CardBase, s.econ.CardStep)
		for commodityID, q := range inv {
			if _, err := tx.UpdateInventory(ctx, u.ID, commodityID, q, ledger.OpSubtract); err != nil {
				return err
			}
		}
		if err := tx.SetBalance(ctx, u.ID, s.econ.StartingBalance); err != nil {
			return err
		}
		if err := s.grantBundle(ctx, tx, u.ID, catalog); err != nil {
			return err
		}
		rule = s.newRule(catalog, u.ID)
		if err := tx.PutRedemptionRule(ctx, rule); err != nil {
			return err
		}
		inventory, err = tx.ListInventory(ctx, u.ID)
		return err
	})
	if err != nil {
		return Score{}, err
	}
	s.state.PatchBalances(map[string]decimal.Decimal{u.ID: s.econ.StartingBalance})
	s.state.SetInventory(u.ID, inventory)
	s.state.SetRule(u.ID, rule)
	return Score{UserID: u.ID, Username: u.Username, Score: score}, nil
}

// Scheduler fires a policy on its schedule until the context ends. A
// failed run is logged and the loop waits for the next fire time.
type Scheduler struct {
	policy  Policy
	log     *zap.Logger
	metrics Metrics
	now     func() time.Time
	reload  func(ctx context.Context) error
}

type SchedulerOption func(*Scheduler)

// ReloadBeforeRun rebuilds the service projection from the ledger before
// every run. A process that shares the ledger with others but serves no
// requests of its own needs this, or the state it broadcasts goes stale.
func ReloadBeforeRun(svc *Service) SchedulerOption {
	return func(s *Scheduler) { s.reload = svc.Reload }
}

func NewScheduler(policy Policy, svc *Service, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{policy: policy, log: svc.log, metrics: svc.metrics, now: svc.now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("settlement scheduler started", zap.String("policy", s.policy.Name()))
	for {
		now := s.now()
		wait := s.policy.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("settlement scheduler stopped")
			return nil
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("settlement run failed", zap.String("policy", s.policy.Name()), zap.Error(err))
		}
	}
}

// RunOnce settles immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	if s.reload != nil {
		if err := s.reload(ctx); err != nil {
			return Report{Policy: s.policy.Name()}, errors.Wrap(err, "reload before settlement")
		}
	}
	report, err := s.policy.Settle(ctx, s.now().UTC())
	if stderrors.Is(err, ErrSettlementRunning) {
		return report, err
	}
	s.metrics.ObserveSettlement(s.policy.Name(), report.Settled, report.Failed, time.Since(start))
	if err == nil {
		s.log.Info("settlement run complete",
			zap.String("policy", report.Policy),
			zap.Int("settled", report.Settled),
			zap.Int("failed", report.Failed),
			zap.Duration("took", time.Since(start)),
		)
	}
	return report, err
}

// NewPolicy builds the policy named by mode.
func NewPolicy(mode string, svc *Service, tick, every time.Duration) (Policy, error) {
	switch mode {
	case "", PolicyStaggered:
		return NewStaggeredLiquidation(svc, tick), nil
	case PolicyGlobal:
		return NewGlobalScored(svc, every), nil
	}
	return nil, ledger.Validationf("unknown settlement mode %q", mode)
}
