package orders

import (
	"context"
	"database/sql"
	"errors"

	"github.com/campex/campex/internal/book"
)

// PostgresStore is a PostgreSQL-backed order/trade store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders and trades tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id            TEXT PRIMARY KEY,
			uid           TEXT NOT NULL,
			side          TEXT NOT NULL,
			type          TEXT NOT NULL,
			qty_original  BIGINT NOT NULL CHECK (qty_original > 0),
			qty_remaining BIGINT NOT NULL CHECK (qty_remaining >= 0),
			price         BIGINT NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			escrow_id     TEXT NOT NULL DEFAULT '',
			spent         BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			executed_at   TIMESTAMPTZ,
			cancelled_at  TIMESTAMPTZ,
			cancel_reason TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_orders_uid ON orders(uid, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(uid)
			WHERE status IN ('pending', 'partial');

		CREATE TABLE IF NOT EXISTS trades (
			id            TEXT PRIMARY KEY,
			buy_order_id  TEXT NOT NULL,
			sell_order_id TEXT NOT NULL DEFAULT '',
			buyer_uid     TEXT NOT NULL,
			seller_uid    TEXT NOT NULL DEFAULT '',
			price         BIGINT NOT NULL CHECK (price > 0),
			qty           BIGINT NOT NULL CHECK (qty > 0),
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades(buyer_uid, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades(seller_uid, created_at DESC);
	`)
	return err
}

const orderSelect = `
	SELECT id, uid, side, type, qty_original, qty_remaining, price, status,
	       escrow_id, spent, created_at, executed_at, cancelled_at, cancel_reason
	FROM orders
`

const tradeSelect = `
	SELECT id, buy_order_id, sell_order_id, buyer_uid, seller_uid, price, qty, created_at
	FROM trades
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*book.Order, error) {
	o := &book.Order{}
	err := row.Scan(&o.ID, &o.UID, &o.Side, &o.Type, &o.QtyOriginal, &o.QtyRemaining,
		&o.Price, &o.Status, &o.EscrowID, &o.Spent, &o.CreatedAt,
		&o.ExecutedAt, &o.CancelledAt, &o.CancelReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

func scanTrade(row rowScanner) (*book.Trade, error) {
	t := &book.Trade{}
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerUID, &t.SellerUID,
		&t.Price, &t.Qty, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *book.Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, uid, side, type, qty_original, qty_remaining, price,
			status, escrow_id, spent, created_at, executed_at, cancelled_at, cancel_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, o.ID, o.UID, o.Side, o.Type, o.QtyOriginal, o.QtyRemaining, o.Price,
		o.Status, o.EscrowID, o.Spent, o.CreatedAt, o.ExecutedAt, o.CancelledAt, o.CancelReason)
	return err
}

func (p *PostgresStore) Order(ctx context.Context, id string) (*book.Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, orderSelect+`WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, o *book.Order) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET qty_remaining = $2, status = $3, escrow_id = $4, spent = $5,
			executed_at = $6, cancelled_at = $7, cancel_reason = $8
		WHERE id = $1
	`, o.ID, o.QtyRemaining, o.Status, o.EscrowID, o.Spent,
		o.ExecutedAt, o.CancelledAt, o.CancelReason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, uid string, limit int) ([]*book.Order, error) {
	rows, err := p.db.QueryContext(ctx, orderSelect+`
		WHERE uid = $1 ORDER BY created_at DESC LIMIT $2
	`, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *PostgresStore) OpenByUser(ctx context.Context, uid string) ([]*book.Order, error) {
	rows, err := p.db.QueryContext(ctx, orderSelect+`
		WHERE uid = $1 AND status IN ('pending', 'partial') ORDER BY created_at ASC
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *PostgresStore) Append(ctx context.Context, t *book.Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, buyer_uid, seller_uid, price, qty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.BuyOrderID, t.SellOrderID, t.BuyerUID, t.SellerUID, t.Price, t.Qty, t.CreatedAt)
	return err
}

func (p *PostgresStore) RecentTrades(ctx context.Context, limit int) ([]*book.Trade, error) {
	rows, err := p.db.QueryContext(ctx, tradeSelect+`
		ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (p *PostgresStore) TradesByUser(ctx context.Context, uid string, limit int) ([]*book.Trade, error) {
	rows, err := p.db.QueryContext(ctx, tradeSelect+`
		WHERE buyer_uid = $1 OR seller_uid = $1 ORDER BY created_at DESC LIMIT $2
	`, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (p *PostgresStore) LastTrade(ctx context.Context) (*book.Trade, error) {
	t, err := scanTrade(p.db.QueryRowContext(ctx, tradeSelect+`ORDER BY created_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func collectOrders(rows *sql.Rows) ([]*book.Order, error) {
	var out []*book.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func collectTrades(rows *sql.Rows) ([]*book.Trade, error) {
	var out []*book.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
