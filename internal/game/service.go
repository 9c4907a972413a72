package game

import (
	"context"
	stderrors "errors"
	mathrand "math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"commodex/internal/ledger"
	"commodex/internal/state"
)

// Metrics receives engine events. The zero Service uses a no-op sink.
type Metrics interface {
	ObserveTrade(outcome string)
	IncConflictRetry(op string)
	ObserveSettlement(policy string, settled, failed int, took time.Duration)
	ObserveRedemption(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTrade(string)                               {}
func (nopMetrics) IncConflictRetry(string)                           {}
func (nopMetrics) ObserveSettlement(string, int, int, time.Duration) {}
func (nopMetrics) ObserveRedemption(string)                          {}

// Service is the trading engine. It owns no durable state: the ledger is
// the system of record and the state store is patched after each commit.
type Service struct {
	ledger   ledger.Ledger
	state    *state.Store
	locks    *UserLocks
	notifier Notifier
	metrics  Metrics
	log      *zap.Logger
	retry    ledger.RetryPolicy
	econ     Economy
	validate *validator.Validate
	now      func() time.Time

	mu      sync.Mutex
	rand    *mathrand.Rand
	catalog []ledger.Commodity
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRetryPolicy(p ledger.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithEconomy(e Economy) Option {
	return func(s *Service) { s.econ = e }
}

func WithLocks(l *UserLocks) Option {
	return func(s *Service) {
		if l != nil {
			s.locks = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRandSeed(seed int64) Option {
	return func(s *Service) { s.rand = mathrand.New(mathrand.NewSource(seed)) }
}

func NewService(l ledger.Ledger, store *state.Store, opts ...Option) *Service {
	s := &Service{
		ledger:   l,
		state:    store,
		locks:    NewUserLocks(),
		notifier: nopNotifier{},
		metrics:  nopMetrics{},
		log:      zap.NewNop(),
		retry:    ledger.DefaultRetryPolicy(),
		econ:     DefaultEconomy(),
		validate: validator.New(),
		now:      time.Now,
		rand:     mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.state == nil {
		s.state = state.NewStore()
	}
	return s
}

func (s *Service) State() *state.Store   { return s.state }
func (s *Service) Snapshot() state.Snapshot { return s.state.Snapshot() }
func (s *Service) Economy() Economy      { return s.econ }
func (s *Service) Ledger() ledger.Ledger { return s.ledger }

// Bootstrap seeds the commodity catalog and loads every known user into
// the projection.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.ledger.EnsureCommodities(ctx, ledger.DefaultCatalog()); err != nil {
		return errors.Wrap(err, "seed commodities")
	}
	return s.Reload(ctx)
}

// Reload rebuilds the projection from the ledger.
func (s *Service) Reload(ctx context.Context) error {
	catalog, err := s.ledger.Commodities(ctx)
	if err != nil {
		return errors.Wrap(err, "load commodities")
	}
	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()

	users, err := s.ledger.ListUsers(ctx)
	if err != nil {
		return errors.Wrap(err, "load users")
	}
	players := make([]state.Player, 0, len(users))
	for _, u := range users {
		p, err := s.loadPlayer(ctx, u.ID)
		if err != nil {
			s.log.Warn("skip player on reload", zap.String("user_id", u.ID), zap.Error(err))
			continue
		}
		players = append(players, p)
	}
	s.state.Load(players, catalog)
	return nil
}

func (s *Service) loadPlayer(ctx context.Context, userID string) (state.Player, error) {
	var p state.Player
	err := s.view(ctx, "load_player", func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		inv, err := tx.ListInventory(ctx, userID)
		if err != nil {
			return err
		}
		p = state.Player{UserID: u.ID, Username: u.Username, Balance: u.Balance, Inventory: inv}
		rule, err := tx.GetRedemptionRule(ctx, userID)
		if err == nil {
			p.RedemptionRule = &rule
		} else if ledger.KindOf(err) != ledger.KindNotFound {
			return err
		}
		return nil
	})
	return p, err
}

// update runs fn as one atomic unit, retrying conflicts.
func (s *Service) update(ctx context.Context, op string, fn func(tx ledger.Tx) error) error {
	policy := s.retry
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.IncConflictRetry(op)
		s.log.Debug("ledger conflict, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return ledger.UpdateWithRetry(ctx, s.ledger, policy, fn)
}

// view runs fn as one consistent read, retrying when a commit lands
// between its reads.
func (s *Service) view(ctx context.Context, op string, fn func(tx ledger.Tx) error) error {
	policy := s.retry
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.IncConflictRetry(op)
	}
	return ledger.ViewWithRetry(ctx, s.ledger, policy, fn)
}

func (s *Service) broadcastState() {
	s.notifier.EmitToAll(EventGameStateUpdate, s.state.Snapshot())
}

func (s *Service) sendState(userIDs ...string) {
	snap := s.state.Snapshot()
	for _, id := range sortedUnique(userIDs) {
		s.notifier.EmitToUser(id, EventGameStateUpdate, snap)
	}
}

// BroadcastState pushes the current projection to every connected player.
func (s *Service) BroadcastState() {
	s.broadcastState()
}

func (s *Service) commodities(ctx context.Context) ([]ledger.Commodity, error) {
	s.mu.Lock()
	cached := s.catalog
	s.mu.Unlock()
	if len(cached) > 0 {
		return cached, nil
	}
	catalog, err := s.ledger.Commodities(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()
	return catalog, nil
}

func (s *Service) hasCommodity(ctx context.Context, id string) (bool, error) {
	catalog, err := s.commodities(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range catalog {
		if c.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// randomBundle deals n cards uniformly over the catalog.
func (s *Service) randomBundle(catalog []ledger.Commodity, n int) map[string]int64 {
	out := map[string]int64{}
	if len(catalog) == 0 {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		out[catalog[s.rand.Intn(len(catalog))].ID]++
	}
	return out
}

// newRule draws RuleKinds distinct commodities and spreads between
// RuleMinItems and RuleMaxItems items over them, at least one each.
func (s *Service) newRule(catalog []ledger.Commodity, userID string) ledger.RedemptionRule {
	s.mu.Lock()
	kinds := s.econ.RuleKinds
	if kinds > len(catalog) {
		kinds = len(catalog)
	}
	perm := s.rand.Perm(len(catalog))[:kinds]
	sort.Ints(perm)
	total := s.econ.RuleMinItems
	if span := s.econ.RuleMaxItems - s.econ.RuleMinItems; span > 0 {
		total += s.rand.Intn(span + 1)
	}
	if total < kinds {
		total = kinds
	}
	counts := make([]int64, kinds)
	for i := range counts {
		counts[i] = 1
	}
	for i := kinds; i < total && kinds > 0; i++ {
		counts[s.rand.Intn(kinds)]++
	}
	s.mu.Unlock()

	items := make([]ledger.RequiredItem, kinds)
	for i, idx := range perm {
		items[i] = ledger.RequiredItem{CommodityID: catalog[idx].ID, Quantity: counts[i]}
	}
	reward := s.econ.RuleBaseReward.Add(s.econ.RulePerItemReward.Mul(decimal.NewFromInt(int64(total))))
	return ledger.RedemptionRule{
		ID:            uuid.NewString(),
		UserID:        userID,
		Reward:        reward,
		RequiredItems: items,
		CreatedAt:     s.now().UTC(),
	}
}

// validateStruct turns validator failures into ledger validation errors.
func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return ledger.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return ledger.Validationf("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return field + " must be > " + fe.Param()
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "nefield":
		return field + " must differ from " + fe.Param()
	case "max":
		return field + " is too long"
	}
	return field + " is invalid"
}
