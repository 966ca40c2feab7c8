package holdings

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL using the same guarded
// conditional-update pattern as the ledger store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed holdings store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the holdings table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS holdings (
			uid        VARCHAR(64) PRIMARY KEY,
			shares     BIGINT NOT NULL DEFAULT 0,
			locked     BIGINT NOT NULL DEFAULT 0,
			cost_basis BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT chk_shares_nonneg CHECK (shares >= 0),
			CONSTRAINT chk_locked_nonneg CHECK (locked >= 0),
			CONSTRAINT chk_locked_bound  CHECK (locked <= shares)
		);
	`)
	return err
}

func (p *PostgresStore) Holding(ctx context.Context, uid string) (*Holding, error) {
	h := &Holding{UID: uid}
	err := p.db.QueryRowContext(ctx, `
		SELECT shares, locked, cost_basis FROM holdings WHERE uid = $1
	`, uid).Scan(&h.Shares, &h.Locked, &h.CostBasis)
	if err == sql.ErrNoRows {
		return h, nil // implicit zero holding
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Holding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT uid, shares, locked, cost_basis FROM holdings ORDER BY uid
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Holding
	for rows.Next() {
		h := &Holding{}
		if err := rows.Scan(&h.UID, &h.Shares, &h.Locked, &h.CostBasis); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ApplyBuy(ctx context.Context, uid string, qty, cost int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO holdings (uid, shares, cost_basis) VALUES ($1, $2, $3)
		ON CONFLICT (uid) DO UPDATE SET
			shares     = holdings.shares + $2,
			cost_basis = holdings.cost_basis + $3
	`, uid, qty, cost)
	return err
}

func (p *PostgresStore) LockShares(ctx context.Context, uid string, qty int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE holdings SET locked = locked + $2
		WHERE uid = $1 AND shares - locked >= $2
	`, uid, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientShares
	}
	return nil
}

func (p *PostgresStore) UnlockShares(ctx context.Context, uid string, qty int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE holdings SET locked = locked - $2
		WHERE uid = $1 AND locked >= $2
	`, uid, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientShares
	}
	return nil
}

func (p *PostgresStore) ApplySell(ctx context.Context, uid string, qty int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE holdings SET
			cost_basis = CASE WHEN shares = $2 THEN 0
			                  ELSE cost_basis - cost_basis * $2 / shares END,
			shares = shares - $2,
			locked = locked - $2
		WHERE uid = $1 AND locked >= $2 AND shares >= $2
	`, uid, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientShares
	}
	return nil
}

func (p *PostgresStore) Clear(ctx context.Context, uid string) (int64, error) {
	var shares int64
	err := p.db.QueryRowContext(ctx, `
		WITH old AS (SELECT shares FROM holdings WHERE uid = $1)
		UPDATE holdings SET shares = 0, locked = 0, cost_basis = 0
		WHERE uid = $1
		RETURNING (SELECT shares FROM old)
	`, uid).Scan(&shares)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return shares, nil
}
