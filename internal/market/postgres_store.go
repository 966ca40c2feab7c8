package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore keeps the config singleton in a one-row table. Windows are
// stored as JSONB; the IPO share pool decrement is a guarded UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed config store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the market_config table and seeds the singleton row.
func (p *PostgresStore) Migrate(ctx context.Context, seed Config) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS market_config (
			id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			windows         JSONB NOT NULL DEFAULT '[]',
			manual_override BOOLEAN,
			ipo_price       BIGINT NOT NULL,
			ipo_shares      BIGINT NOT NULL,
			band_bp         BIGINT NOT NULL,
			fee_rate_pct    BIGINT NOT NULL,
			fee_min         BIGINT NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_ipo_shares_nonneg CHECK (ipo_shares >= 0)
		);
	`)
	if err != nil {
		return err
	}

	windows, err := json.Marshal(seed.Windows)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO market_config (id, windows, manual_override, ipo_price, ipo_shares, band_bp, fee_rate_pct, fee_min)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, windows, seed.ManualOverride, seed.IPOPrice, seed.IPOSharesRemaining,
		seed.BandBP, seed.TransferFee.RatePct, seed.TransferFee.MinFee)
	return err
}

func (p *PostgresStore) Get(ctx context.Context) (*Config, error) {
	return p.get(ctx, p.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) get(ctx context.Context, q queryRower) (*Config, error) {
	cfg := &Config{}
	var windows []byte
	err := q.QueryRowContext(ctx, `
		SELECT windows, manual_override, ipo_price, ipo_shares, band_bp, fee_rate_pct, fee_min, updated_at
		FROM market_config WHERE id = 1
	`).Scan(&windows, &cfg.ManualOverride, &cfg.IPOPrice, &cfg.IPOSharesRemaining,
		&cfg.BandBP, &cfg.TransferFee.RatePct, &cfg.TransferFee.MinFee, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(windows, &cfg.Windows); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *PostgresStore) Mutate(ctx context.Context, fn func(*Config) error) (*Config, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock serializes concurrent mutations of the singleton.
	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM market_config WHERE id = 1 FOR UPDATE`); err != nil {
		return nil, err
	}
	cfg, err := p.get(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now().UTC()

	windows, err := json.Marshal(cfg.Windows)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE market_config SET
			windows = $1, manual_override = $2, ipo_price = $3, ipo_shares = $4,
			band_bp = $5, fee_rate_pct = $6, fee_min = $7, updated_at = $8
		WHERE id = 1
	`, windows, cfg.ManualOverride, cfg.IPOPrice, cfg.IPOSharesRemaining,
		cfg.BandBP, cfg.TransferFee.RatePct, cfg.TransferFee.MinFee, cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *PostgresStore) DecrementIPOShares(ctx context.Context, qty int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE market_config SET ipo_shares = ipo_shares - $1, updated_at = NOW()
		WHERE id = 1 AND ipo_shares >= $1
	`, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientIPO
	}
	return nil
}
