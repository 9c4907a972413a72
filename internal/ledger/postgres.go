package ledger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Postgres is a Ledger backed by serializable transactions. Rows touched
// by a mutation are locked with SELECT ... FOR UPDATE.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Update(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (p *Postgres) View(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (p *Postgres) run(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return classifyPg(err, "begin")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classifyPg(err, "transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPg(err, "commit")
	}
	return nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, username, balance::text, next_settlement_at, created_at
		FROM commodex.users
		ORDER BY id
	`)
	if err != nil {
		return nil, classifyPg(err, "list users")
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, classifyPg(rows.Err(), "list users")
}

func (p *Postgres) ListTradeHistory(ctx context.Context, userID string) ([]Trade, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM commodex.trades
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, classifyPg(err, "list trades")
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classifyPg(rows.Err(), "list trades")
}

func (p *Postgres) Commodities(ctx context.Context) ([]Commodity, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, name, image_url
		FROM commodex.commodities
		ORDER BY position, id
	`)
	if err != nil {
		return nil, classifyPg(err, "list commodities")
	}
	defer rows.Close()

	var out []Commodity
	for rows.Next() {
		var c Commodity
		if err := rows.Scan(&c.ID, &c.Name, &c.ImageURL); err != nil {
			return nil, classifyPg(err, "scan commodity")
		}
		out = append(out, c)
	}
	return out, classifyPg(rows.Err(), "list commodities")
}

func (p *Postgres) EnsureCommodities(ctx context.Context, catalog []Commodity) error {
	batch := &pgx.Batch{}
	for i, c := range catalog {
		batch.Queue(`
			INSERT INTO commodex.commodities (id, name, image_url, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, c.ID, c.Name, c.ImageURL, i)
	}
	if err := p.db.SendBatch(ctx, batch).Close(); err != nil {
		return classifyPg(err, "seed commodities")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &balance, &u.NextSettlementAt, &u.CreatedAt); err != nil {
		return User{}, classifyPg(err, "scan user")
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return User{}, Internalf(err, "parse balance of %s", u.ID)
	}
	return u, nil
}

const tradeColumns = `id, from_user_id, to_user_id, commodity_id, quantity, price::text, action, status, message, created_at, completed_at`

func scanTrade(row rowScanner) (Trade, error) {
	var t Trade
	var price, action, status string
	if err := row.Scan(&t.ID, &t.FromUserID, &t.ToUserID, &t.CommodityID, &t.Quantity, &price, &action, &status, &t.Message, &t.CreatedAt, &t.CompletedAt); err != nil {
		return Trade{}, classifyPg(err, "scan trade")
	}
	var err error
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return Trade{}, Internalf(err, "parse price of %s", t.ID)
	}
	t.Action = Action(action)
	t.Status = TradeStatus(status)
	return t, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return Validationf("user id is required")
	}
	if u.Balance.IsNegative() {
		return Validationf("balance must be >= 0")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO commodex.users (id, username, balance, next_settlement_at, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
	`, u.ID, u.Username, u.Balance.String(), u.NextSettlementAt, u.CreatedAt)
	return classifyPg(err, "create user "+u.ID)
}

func (t *pgTx) getUser(ctx context.Context, userID string, forUpdate bool) (User, error) {
	q := `
		SELECT id, username, balance::text, next_settlement_at, created_at
		FROM commodex.users
		WHERE id = $1
	`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	u, err := scanUser(t.tx.QueryRow(ctx, q, userID))
	if err != nil && KindOf(err) == KindNotFound {
		return User{}, NotFoundf("user %s", userID)
	}
	return u, err
}

func (t *pgTx) GetUser(ctx context.Context, userID string) (User, error) {
	return t.getUser(ctx, userID, false)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return Validationf("balance must be >= 0")
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE commodex.users SET balance = $1::numeric WHERE id = $2
	`, balance.String(), userID)
	if err != nil {
		return classifyPg(err, "set balance")
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("user %s", userID)
	}
	return nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, userID string, delta decimal.Decimal, op Op) (decimal.Decimal, error) {
	u, err := t.getUser(ctx, userID, true)
	if err != nil {
		return decimal.Zero, err
	}
	next, err := applyBalance(u.Balance, delta, op, userID)
	if err != nil {
		return u.Balance, err
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE commodex.users SET balance = $1::numeric WHERE id = $2
	`, next.String(), userID); err != nil {
		return u.Balance, classifyPg(err, "update balance")
	}
	return next, nil
}

func (t *pgTx) SetNextSettlement(ctx context.Context, userID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE commodex.users SET next_settlement_at = $1 WHERE id = $2
	`, at.UTC(), userID)
	if err != nil {
		return classifyPg(err, "set next settlement")
	}
	if tag.RowsAffected() == 0 {
		return NotFoundf("user %s", userID)
	}
	return nil
}

func (t *pgTx) GetInventory(ctx context.Context, userID, commodityID string) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx, `
		SELECT quantity FROM commodex.inventories
		WHERE user_id = $1 AND commodity_id = $2
	`, userID, commodityID).Scan(&qty)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return qty, classifyPg(err, "get inventory")
}

func (t *pgTx) ListInventory(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT commodity_id, quantity FROM commodex.inventories
		WHERE user_id = $1 AND quantity > 0
	`, userID)
	if err != nil {
		return nil, classifyPg(err, "list inventory")
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var qty int64
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, classifyPg(err, "scan inventory")
		}
		out[id] = qty
	}
	return out, classifyPg(rows.Err(), "list inventory")
}

func (t *pgTx) UpdateInventory(ctx context.Context, userID, commodityID string, delta int64, op Op) (int64, error) {
	if _, err := t.getUser(ctx, userID, true); err != nil {
		return 0, err
	}
	var current int64
	err := t.tx.QueryRow(ctx, `
		SELECT quantity FROM commodex.inventories
		WHERE user_id = $1 AND commodity_id = $2
		FOR UPDATE
	`, userID, commodityID).Scan(&current)
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		return 0, classifyPg(err, "lock inventory")
	}
	next, err := applyQuantity(current, delta, op, userID, commodityID)
	if err != nil {
		return current, err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO commodex.inventories (user_id, commodity_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, commodity_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, userID, commodityID, next); err != nil {
		return current, classifyPg(err, "write inventory")
	}
	return next, nil
}

func (t *pgTx) CreateTrade(ctx context.Context, tr Trade) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO commodex.trades (id, from_user_id, to_user_id, commodity_id, quantity, price, action, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
	`, tr.ID, tr.FromUserID, tr.ToUserID, tr.CommodityID, tr.Quantity, tr.Price.String(), string(tr.Action), string(tr.Status), tr.Message, tr.CreatedAt)
	return classifyPg(err, "create trade "+tr.ID)
}

func (t *pgTx) getTrade(ctx context.Context, tradeID string, forUpdate bool) (Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM commodex.trades WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	tr, err := scanTrade(t.tx.QueryRow(ctx, q, tradeID))
	if err != nil && KindOf(err) == KindNotFound {
		return Trade{}, NotFoundf("trade %s", tradeID)
	}
	return tr, err
}

func (t *pgTx) GetTrade(ctx context.Context, tradeID string) (Trade, error) {
	return t.getTrade(ctx, tradeID, false)
}

func (t *pgTx) SetTradeStatus(ctx context.Context, tradeID string, status TradeStatus, message string) error {
	if !status.Terminal() {
		return Validationf("status %q is not terminal", status)
	}
	tr, err := t.getTrade(ctx, tradeID, true)
	if err != nil {
		return err
	}
	if tr.Status != StatusPending {
		return Validationf("trade %s is already %s", tradeID, tr.Status)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE commodex.trades
		SET status = $1, message = $2, completed_at = now()
		WHERE id = $3 AND status = 'pending'
	`, string(status), message, tradeID)
	return classifyPg(err, "set trade status")
}

func (t *pgTx) GetRedemptionRule(ctx context.Context, userID string) (RedemptionRule, error) {
	var r RedemptionRule
	var reward string
	var items []byte
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, reward::text, required_items, created_at
		FROM commodex.redemption_rules
		WHERE user_id = $1
	`, userID).Scan(&r.ID, &r.UserID, &reward, &items, &r.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return RedemptionRule{}, NotFoundf("redemption rule for %s", userID)
	}
	if err != nil {
		return RedemptionRule{}, classifyPg(err, "get redemption rule")
	}
	if r.Reward, err = decimal.NewFromString(reward); err != nil {
		return RedemptionRule{}, Internalf(err, "parse reward")
	}
	if err := json.Unmarshal(items, &r.RequiredItems); err != nil {
		return RedemptionRule{}, Internalf(err, "decode required items")
	}
	return r, nil
}

func (t *pgTx) PutRedemptionRule(ctx context.Context, rule RedemptionRule) error {
	if rule.UserID == "" {
		return Validationf("rule user id is required")
	}
	items, err := json.Marshal(rule.RequiredItems)
	if err != nil {
		return Internalf(err, "encode required items")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO commodex.redemption_rules (user_id, id, reward, required_items, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET id = EXCLUDED.id, reward = EXCLUDED.reward,
		    required_items = EXCLUDED.required_items, created_at = EXCLUDED.created_at
	`, rule.UserID, rule.ID, rule.Reward.String(), items, rule.CreatedAt)
	return classifyPg(err, "put redemption rule")
}

func (t *pgTx) RecordRedemption(ctx context.Context, rec RedemptionRecord) error {
	items, err := json.Marshal(rec.ConsumedItems)
	if err != nil {
		return Internalf(err, "encode consumed items")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO commodex.redemption_records (id, user_id, rule_id, reward, consumed_items, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, rec.ID, rec.UserID, rec.RuleID, rec.Reward.String(), items, rec.CreatedAt)
	return classifyPg(err, "record redemption")
}

// classifyPg maps driver errors onto the ledger error kinds. Errors that
// already carry a kind pass through unchanged.
func classifyPg(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return errors.Wrap(ErrConflict, op)
		case "23505":
			return errors.Wrap(ErrAlreadyExists, op)
		case "23503":
			return errors.Wrapf(ErrNotFound, "%s: %s", op, pgErr.ConstraintName)
		case "23514":
			return errors.Wrapf(ErrValidation, "%s: %s", op, pgErr.ConstraintName)
		}
		return Internalf(err, "%s", op)
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(ErrNotFound, op)
	}
	if KindOf(err) != KindInternal {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if stderrors.Is(err, ErrInternal) {
		return err
	}
	return Internalf(err, "%s", op)
}
