package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The guarded mutations
// (DebitChecked, MoveToEscrow, ConsumeEscrow) are single conditional
// UPDATEs: the WHERE clause carries the balance check, so the compare and
// the decrement commit together or not at all.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the accounts and ledger tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			uid          VARCHAR(64)  PRIMARY KEY,
			username     VARCHAR(128) NOT NULL UNIQUE,
			team         VARCHAR(64)  NOT NULL DEFAULT '',
			telegram_id  VARCHAR(64)  NOT NULL DEFAULT '',
			points       BIGINT NOT NULL DEFAULT 0,
			escrow       BIGINT NOT NULL DEFAULT 0,
			owed         BIGINT NOT NULL DEFAULT 0,
			enabled      BOOLEAN NOT NULL DEFAULT TRUE,
			frozen       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_points_nonneg CHECK (points >= 0),
			CONSTRAINT chk_escrow_nonneg CHECK (escrow >= 0),
			CONSTRAINT chk_owed_nonneg   CHECK (owed >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id            VARCHAR(36) PRIMARY KEY,
			uid           VARCHAR(64) NOT NULL,
			delta         BIGINT NOT NULL,
			kind          VARCHAR(24) NOT NULL,
			note          TEXT NOT NULL DEFAULT '',
			balance_after BIGINT NOT NULL,
			tx_id         VARCHAR(36),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_entries_uid ON ledger_entries(uid, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_kind ON ledger_entries(kind);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (uid, username, team, telegram_id, points, escrow, owed, enabled, frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, acct.UID, strings.ToLower(acct.Username), acct.Team, acct.TelegramID,
		acct.Points, acct.Escrow, acct.Owed, acct.Enabled, acct.Frozen,
		acct.CreatedAt, acct.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateUser
	}
	return err
}

func (p *PostgresStore) Account(ctx context.Context, uid string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, accountSelect+` WHERE uid = $1`, uid))
}

func (p *PostgresStore) AccountByUsername(ctx context.Context, username string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx,
		accountSelect+` WHERE username = $1`, strings.ToLower(username)))
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, accountSelect+` ORDER BY uid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct, err := p.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, uid string, amount int64) (int64, error) {
	var after int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE accounts SET points = points + $2, updated_at = NOW()
		WHERE uid = $1
		RETURNING points
	`, uid, amount).Scan(&after)
	if err == sql.ErrNoRows {
		return 0, ErrUnknownUser
	}
	return after, mapConflict(err)
}

func (p *PostgresStore) DebitChecked(ctx context.Context, uid string, amount int64) (int64, error) {
	var after int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE accounts SET points = points - $2, updated_at = NOW()
		WHERE uid = $1 AND points >= $2
		RETURNING points
	`, uid, amount).Scan(&after)
	if err == sql.ErrNoRows {
		return 0, p.insufficientOrUnknown(ctx, uid)
	}
	return after, mapConflict(err)
}

func (p *PostgresStore) MoveToEscrow(ctx context.Context, uid string, amount int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET points = points - $2, escrow = escrow + $2, updated_at = NOW()
		WHERE uid = $1 AND points >= $2
	`, uid, amount)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.insufficientOrUnknown(ctx, uid)
	}
	return nil
}

func (p *PostgresStore) ReleaseFromEscrow(ctx context.Context, uid string, escrowAmt, actualSpend int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET escrow = escrow - $2, points = points + $3, updated_at = NOW()
		WHERE uid = $1 AND escrow >= $2
	`, uid, escrowAmt, escrowAmt-actualSpend)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.escrowShortOrUnknown(ctx, uid)
	}
	return nil
}

func (p *PostgresStore) ConsumeEscrow(ctx context.Context, uid string, amount int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET escrow = escrow - $2, updated_at = NOW()
		WHERE uid = $1 AND escrow >= $2
	`, uid, amount)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.escrowShortOrUnknown(ctx, uid)
	}
	return nil
}

// Transfer debits fromUID by amount+fee and credits toUID by amount inside
// one serializable transaction. Serialization failures surface as
// ErrWriteConflict for the caller's retry envelope.
func (p *PostgresStore) Transfer(ctx context.Context, fromUID, toUID string, amount, fee int64) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET points = points - $2, updated_at = NOW()
		WHERE uid = $1 AND points >= $2
	`, fromUID, amount+fee)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.insufficientOrUnknown(ctx, fromUID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE accounts SET points = points + $2, updated_at = NOW()
		WHERE uid = $1
	`, toUID, amount)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownUser
	}

	return mapConflict(tx.Commit())
}

func (p *PostgresStore) SetEnabled(ctx context.Context, uid string, enabled bool) error {
	return p.setFlag(ctx, uid, "enabled", enabled)
}

func (p *PostgresStore) SetFrozen(ctx context.Context, uid string, frozen bool) error {
	return p.setFlag(ctx, uid, "frozen", frozen)
}

func (p *PostgresStore) AdjustOwed(ctx context.Context, uid string, delta int64) (int64, error) {
	var owed int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE accounts SET
			owed = GREATEST(owed + $2, 0),
			frozen = (GREATEST(owed + $2, 0) > 0) OR frozen,
			updated_at = NOW()
		WHERE uid = $1
		RETURNING owed
	`, uid, delta).Scan(&owed)
	if err == sql.ErrNoRows {
		return 0, ErrUnknownUser
	}
	return owed, mapConflict(err)
}

func (p *PostgresStore) SetBalances(ctx context.Context, uid string, points, escrow int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET points = $2, escrow = $3, updated_at = NOW() WHERE uid = $1
	`, uid, points, escrow)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (p *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, uid, delta, kind, note, balance_after, tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, e.ID, e.UID, e.Delta, string(e.Kind), e.Note, e.BalanceAfter, e.TxID, e.CreatedAt)
	return mapConflict(err)
}

func (p *PostgresStore) History(ctx context.Context, uid string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, entrySelect+`
		WHERE uid = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, uid, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *PostgresStore) HistoryBefore(ctx context.Context, uid string, before time.Time, beforeID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, entrySelect+`
		WHERE uid = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC LIMIT $4
	`, uid, before, beforeID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *PostgresStore) SumDeltas(ctx context.Context, skip map[Kind]bool) (map[string]int64, error) {
	skipped := make([]string, 0, len(skip))
	for k := range skip {
		skipped = append(skipped, string(k))
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT uid, COALESCE(SUM(delta), 0)
		FROM ledger_entries
		WHERE NOT (kind = ANY($1))
		GROUP BY uid
	`, pq.Array(skipped))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sums := make(map[string]int64)
	for rows.Next() {
		var uid string
		var sum int64
		if err := rows.Scan(&uid, &sum); err != nil {
			return nil, err
		}
		sums[uid] = sum
	}
	return sums, rows.Err()
}

const accountSelect = `
	SELECT uid, username, team, telegram_id, points, escrow, owed, enabled, frozen, created_at, updated_at
	FROM accounts`

const entrySelect = `
	SELECT id, uid, delta, kind, note, balance_after, COALESCE(tx_id, ''), created_at
	FROM ledger_entries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanAccount(row rowScanner) (*Account, error) {
	acct := &Account{}
	err := row.Scan(&acct.UID, &acct.Username, &acct.Team, &acct.TelegramID,
		&acct.Points, &acct.Escrow, &acct.Owed, &acct.Enabled, &acct.Frozen,
		&acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.UID, &e.Delta, &kind, &e.Note,
			&e.BalanceAfter, &e.TxID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) setFlag(ctx context.Context, uid, column string, value bool) error {
	// column is a compile-time constant at both call sites.
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE accounts SET %s = $2, updated_at = NOW() WHERE uid = $1`, column),
		uid, value)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (p *PostgresStore) insufficientOrUnknown(ctx context.Context, uid string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE uid = $1)`, uid).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUnknownUser
	}
	return ErrInsufficientPoints
}

func (p *PostgresStore) escrowShortOrUnknown(ctx context.Context, uid string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE uid = $1)`, uid).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUnknownUser
	}
	return ErrInsufficientEscrow
}

// mapConflict converts Postgres serialization and deadlock failures into
// ErrWriteConflict so callers can retry them uniformly.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrWriteConflict
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
