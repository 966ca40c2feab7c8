package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id              VARCHAR(36) PRIMARY KEY,
			uid             VARCHAR(64) NOT NULL,
			amount_reserved BIGINT NOT NULL,
			type            VARCHAR(12) NOT NULL,
			ref_id          VARCHAR(64) NOT NULL,
			status          VARCHAR(12) NOT NULL,
			consumed        BIGINT NOT NULL DEFAULT 0,
			actual_amount   BIGINT NOT NULL DEFAULT 0,
			refund          BIGINT NOT NULL DEFAULT 0,
			cancel_reason   TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ,
			cancelled_at    TIMESTAMPTZ,
			CONSTRAINT chk_reserved_pos CHECK (amount_reserved > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_uid_status ON escrows(uid, status);
		CREATE INDEX IF NOT EXISTS idx_escrows_active_age ON escrows(created_at) WHERE status = 'active';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, uid, amount_reserved, type, ref_id, status, consumed, actual_amount, refund, cancel_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.UID, e.AmountReserved, string(e.Type), e.RefID, string(e.Status),
		e.Consumed, e.ActualAmount, e.Refund, e.CancelReason, e.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, escrowSelect+` WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $2, consumed = $3, actual_amount = $4, refund = $5,
			cancel_reason = $6, completed_at = $7, cancelled_at = $8
		WHERE id = $1
	`, e.ID, string(e.Status), e.Consumed, e.ActualAmount, e.Refund,
		e.CancelReason, e.CompletedAt, e.CancelledAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListActive(ctx context.Context, uid string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, escrowSelect+`
		WHERE uid = $1 AND status = 'active' ORDER BY created_at
	`, uid)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListActiveOlderThan(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, escrowSelect+`
		WHERE status = 'active' AND created_at < $1 ORDER BY created_at LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

const escrowSelect = `
	SELECT id, uid, amount_reserved, type, ref_id, status, consumed, actual_amount,
	       refund, cancel_reason, created_at, completed_at, cancelled_at
	FROM escrows`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var typ, status string
	err := row.Scan(&e.ID, &e.UID, &e.AmountReserved, &typ, &e.RefID, &status,
		&e.Consumed, &e.ActualAmount, &e.Refund, &e.CancelReason, &e.CreatedAt,
		&e.CompletedAt, &e.CancelledAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = Type(typ)
	e.Status = Status(status)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	defer func() { _ = rows.Close() }()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
