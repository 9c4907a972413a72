package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// kvBackend is a versioned record store. A version of 0 means the record
// does not exist. commit applies every write only if each read version is
// still current, and fails with ErrConflict otherwise. validate is the
// same check without writes.
type kvBackend interface {
	get(ctx context.Context, key string) ([]byte, int64, error)
	members(ctx context.Context, set string) ([]string, error)
	commit(ctx context.Context, c kvCommit) error
	validate(ctx context.Context, reads map[string]int64) error
	close() error
}

type kvCommit struct {
	reads  map[string]int64
	writes map[string][]byte
	adds   []setAdd
}

type setAdd struct {
	set    string
	member string
}

const (
	keyCommodities = "commodities"
	setUsers       = "users"
)

func userKey(id string) string       { return "user:" + id }
func inventoryKey(id string) string  { return "inventory:" + id }
func tradeKey(id string) string      { return "trade:" + id }
func ruleKey(userID string) string   { return "redemption_rule:" + userID }
func recordKey(id string) string     { return "redemption_record:" + id }
func userTradesSet(id string) string { return "user_trades:" + id }

// kvLedger implements Ledger over any kvBackend using optimistic
// version checks.
type kvLedger struct {
	b   kvBackend
	now func() time.Time
}

func (l *kvLedger) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx := newKVTx(l.b, l.now)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 && len(tx.adds) == 0 {
		return nil
	}
	return l.b.commit(ctx, kvCommit{reads: tx.reads, writes: tx.writes, adds: tx.adds})
}

// View fails with ErrConflict when any record it read changed before it
// returned, so callers never act on a mix of two commits.
func (l *kvLedger) View(ctx context.Context, fn func(tx Tx) error) error {
	tx := newKVTx(l.b, l.now)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.reads) < 2 {
		return nil
	}
	return l.b.validate(ctx, tx.reads)
}

func (l *kvLedger) ListUsers(ctx context.Context) ([]User, error) {
	ids, err := l.b.members(ctx, setUsers)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	tx := newKVTx(l.b, l.now)
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		u, err := tx.GetUser(ctx, id)
		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (l *kvLedger) ListTradeHistory(ctx context.Context, userID string) ([]Trade, error) {
	ids, err := l.b.members(ctx, userTradesSet(userID))
	if err != nil {
		return nil, err
	}
	tx := newKVTx(l.b, l.now)
	out := make([]Trade, 0, len(ids))
	for _, id := range ids {
		t, err := tx.GetTrade(ctx, id)
		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	sortNewestFirst(out)
	return out, nil
}

func (l *kvLedger) Commodities(ctx context.Context) ([]Commodity, error) {
	tx := newKVTx(l.b, l.now)
	var out []Commodity
	found, err := tx.getJSON(ctx, keyCommodities, &out)
	if err != nil || !found {
		return nil, err
	}
	return out, nil
}

func (l *kvLedger) EnsureCommodities(ctx context.Context, catalog []Commodity) error {
	return l.Update(ctx, func(t Tx) error {
		tx := t.(*kvTx)
		var existing []Commodity
		found, err := tx.getJSON(ctx, keyCommodities, &existing)
		if err != nil {
			return err
		}
		if found && len(existing) > 0 {
			return nil
		}
		return tx.putJSON(keyCommodities, catalog)
	})
}

func (l *kvLedger) Close() error {
	return l.b.close()
}

func sortNewestFirst(trades []Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].CreatedAt.After(trades[j].CreatedAt)
		}
		return trades[i].ID > trades[j].ID
	})
}

// kvTx buffers writes and remembers the version of every record it read.
// Reads after a write observe the buffered value.
type kvTx struct {
	b      kvBackend
	now    func() time.Time
	reads  map[string]int64
	cache  map[string][]byte
	writes map[string][]byte
	adds   []setAdd
}

func newKVTx(b kvBackend, now func() time.Time) *kvTx {
	if now == nil {
		now = time.Now
	}
	return &kvTx{
		b:      b,
		now:    now,
		reads:  make(map[string]int64),
		cache:  make(map[string][]byte),
		writes: make(map[string][]byte),
	}
}

func (t *kvTx) load(ctx context.Context, key string) ([]byte, error) {
	if data, ok := t.cache[key]; ok {
		return data, nil
	}
	data, ver, err := t.b.get(ctx, key)
	if err != nil {
		return nil, err
	}
	t.reads[key] = ver
	t.cache[key] = data
	return data, nil
}

func (t *kvTx) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := t.load(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, Internalf(err, "decode %s", key)
	}
	return true, nil
}

func (t *kvTx) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return Internalf(err, "encode %s", key)
	}
	t.writes[key] = data
	t.cache[key] = data
	return nil
}

func (t *kvTx) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return Validationf("user id is required")
	}
	if u.Balance.IsNegative() {
		return Validationf("balance must be >= 0")
	}
	var existing User
	found, err := t.getJSON(ctx, userKey(u.ID), &existing)
	if err != nil {
		return err
	}
	if found {
		return wrapf(ErrAlreadyExists, "user %s", u.ID)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = t.now().UTC()
	}
	t.adds = append(t.adds, setAdd{set: setUsers, member: u.ID})
	return t.putJSON(userKey(u.ID), u)
}

func (t *kvTx) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	found, err := t.getJSON(ctx, userKey(userID), &u)
	if err != nil {
		return User{}, err
	}
	if !found {
		return User{}, NotFoundf("user %s", userID)
	}
	return u, nil
}

func (t *kvTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return Validationf("balance must be >= 0")
	}
	u, err := t.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.Balance = balance
	return t.putJSON(userKey(userID), u)
}

func (t *kvTx) UpdateBalance(ctx context.Context, userID string, delta decimal.Decimal, op Op) (decimal.Decimal, error) {
	u, err := t.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next, err := applyBalance(u.Balance, delta, op, userID)
	if err != nil {
		return u.Balance, err
	}
	u.Balance = next
	return next, t.putJSON(userKey(userID), u)
}

func (t *kvTx) SetNextSettlement(ctx context.Context, userID string, at time.Time) error {
	u, err := t.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	u.NextSettlementAt = at.UTC()
	return t.putJSON(userKey(userID), u)
}

func (t *kvTx) inventory(ctx context.Context, userID string) (map[string]int64, error) {
	inv := map[string]int64{}
	if _, err := t.getJSON(ctx, inventoryKey(userID), &inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (t *kvTx) GetInventory(ctx context.Context, userID, commodityID string) (int64, error) {
	inv, err := t.inventory(ctx, userID)
	if err != nil {
		return 0, err
	}
	return inv[commodityID], nil
}

func (t *kvTx) ListInventory(ctx context.Context, userID string) (map[string]int64, error) {
	inv, err := t.inventory(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(inv))
	for k, v := range inv {
		if v > 0 {
			out[k] = v
		}
	}
	return out, nil
}

func (t *kvTx) UpdateInventory(ctx context.Context, userID, commodityID string, delta int64, op Op) (int64, error) {
	if _, err := t.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	inv, err := t.inventory(ctx, userID)
	if err != nil {
		return 0, err
	}
	next, err := applyQuantity(inv[commodityID], delta, op, userID, commodityID)
	if err != nil {
		return inv[commodityID], err
	}
	if next == 0 {
		delete(inv, commodityID)
	} else {
		inv[commodityID] = next
	}
	return next, t.putJSON(inventoryKey(userID), inv)
}

func (t *kvTx) CreateTrade(ctx context.Context, tr Trade) error {
	var existing Trade
	found, err := t.getJSON(ctx, tradeKey(tr.ID), &existing)
	if err != nil {
		return err
	}
	if found {
		return wrapf(ErrAlreadyExists, "trade %s", tr.ID)
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.now().UTC()
	}
	t.adds = append(t.adds,
		setAdd{set: userTradesSet(tr.FromUserID), member: tr.ID},
		setAdd{set: userTradesSet(tr.ToUserID), member: tr.ID},
	)
	return t.putJSON(tradeKey(tr.ID), tr)
}

func (t *kvTx) GetTrade(ctx context.Context, tradeID string) (Trade, error) {
	var tr Trade
	found, err := t.getJSON(ctx, tradeKey(tradeID), &tr)
	if err != nil {
		return Trade{}, err
	}
	if !found {
		return Trade{}, NotFoundf("trade %s", tradeID)
	}
	return tr, nil
}

func (t *kvTx) SetTradeStatus(ctx context.Context, tradeID string, status TradeStatus, message string) error {
	if !status.Terminal() {
		return Validationf("status %q is not terminal", status)
	}
	tr, err := t.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if tr.Status != StatusPending {
		return Validationf("trade %s is already %s", tradeID, tr.Status)
	}
	done := t.now().UTC()
	tr.Status = status
	tr.Message = message
	tr.CompletedAt = &done
	return t.putJSON(tradeKey(tradeID), tr)
}

func (t *kvTx) GetRedemptionRule(ctx context.Context, userID string) (RedemptionRule, error) {
	var r RedemptionRule
	found, err := t.getJSON(ctx, ruleKey(userID), &r)
	if err != nil {
		return RedemptionRule{}, err
	}
	if !found {
		return RedemptionRule{}, NotFoundf("redemption rule for %s", userID)
	}
	return r, nil
}

func (t *kvTx) PutRedemptionRule(ctx context.Context, rule RedemptionRule) error {
	if rule.UserID == "" {
		return Validationf("rule user id is required")
	}
	if _, err := t.GetUser(ctx, rule.UserID); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = t.now().UTC()
	}
	return t.putJSON(ruleKey(rule.UserID), rule)
}

func (t *kvTx) RecordRedemption(ctx context.Context, rec RedemptionRecord) error {
	data, err := t.load(ctx, recordKey(rec.ID))
	if err != nil {
		return err
	}
	if data != nil {
		return errors.Wrapf(ErrAlreadyExists, "redemption record %s", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}
	return t.putJSON(recordKey(rec.ID), rec)
}
