// Package ledger tracks participant point balances on the platform.
//
// Every user carries two balances: points (spendable) and escrow (reserved
// for pending orders, transfers, or wagers). The only legal way to reduce
// points is DebitChecked or MoveToEscrow, both of which are backed by a
// compare-and-decrement in the store. No caller may read-modify-write a
// balance; that is what makes points >= 0 structural rather than advisory.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/campex/campex/internal/idgen"
)

var (
	ErrUnknownUser        = errors.New("unknown user")
	ErrDuplicateUser      = errors.New("user already exists")
	ErrDisabled           = errors.New("user is disabled")
	ErrFrozen             = errors.New("user is frozen")
	ErrHasDebt            = errors.New("user has outstanding debt")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrWriteConflict      = errors.New("write conflict")
	ErrTxUnsupported      = errors.New("store does not support transactions")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindIPOGrant      Kind = "ipo_grant"
	KindTradeBuy      Kind = "trade_buy"
	KindTradeSell     Kind = "trade_sell"
	KindTransferIn    Kind = "transfer_in"
	KindTransferOut   Kind = "transfer_out"
	KindFee           Kind = "fee"
	KindEscrowReserve Kind = "escrow_reserve"
	KindEscrowRelease Kind = "escrow_release"
	KindAdminGrant    Kind = "admin_grant"
	KindPvpWin        Kind = "pvp_win"
	KindPvpLoss       Kind = "pvp_loss"
	KindArcadeAdjust  Kind = "arcade_adjust"
	KindSettlement    Kind = "settlement"
	KindDebtRepayment Kind = "debt_repayment"
)

// neutralKinds do not change points+escrow: escrow moves shuffle value
// between the two balances, debt repayment retires owed. The conservation
// audit skips them.
var neutralKinds = map[Kind]bool{
	KindEscrowReserve: true,
	KindEscrowRelease: true,
	KindDebtRepayment: true,
}

// Account is a participant's balance row.
type Account struct {
	UID        string    `json:"uid"`
	Username   string    `json:"username"`
	Team       string    `json:"team,omitempty"`
	TelegramID string    `json:"telegramId,omitempty"`
	Points     int64     `json:"points"`
	Escrow     int64     `json:"escrow"`
	Owed       int64     `json:"owed"`
	Enabled    bool      `json:"enabled"`
	Frozen     bool      `json:"frozen"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CanSpend reports whether the account may initiate spending operations.
// A user with outstanding debt is implicitly frozen until repayment.
func (a *Account) CanSpend() bool {
	return a.Enabled && !a.Frozen && a.Owed == 0
}

// Entry is an immutable, append-only ledger record. BalanceAfter captures
// points+escrow immediately after the mutation the entry describes.
type Entry struct {
	ID           string    `json:"id"`
	UID          string    `json:"uid"`
	Delta        int64     `json:"delta"`
	Kind         Kind      `json:"kind"`
	Note         string    `json:"note,omitempty"`
	BalanceAfter int64     `json:"balanceAfter"`
	TxID         string    `json:"txId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists accounts and ledger entries.
//
// DebitChecked, MoveToEscrow, ConsumeEscrow and LockTransfer must be
// conditional updates: the balance check and the decrement happen as one
// atomic primitive (a guarded UPDATE in Postgres, a mutex-held check in
// memory). Stores return ErrWriteConflict for transient serialization
// failures; callers wrap operations in a retry envelope.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	Account(ctx context.Context, uid string) (*Account, error)
	AccountByUsername(ctx context.Context, username string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)

	// Credit adds amount to points and returns the new points balance.
	Credit(ctx context.Context, uid string, amount int64) (int64, error)
	// DebitChecked subtracts amount from points iff points >= amount.
	DebitChecked(ctx context.Context, uid string, amount int64) (int64, error)
	// MoveToEscrow performs points -= amount; escrow += amount, guarded by
	// points >= amount.
	MoveToEscrow(ctx context.Context, uid string, amount int64) error
	// ReleaseFromEscrow performs escrow -= escrowAmt; points += escrowAmt-actualSpend.
	ReleaseFromEscrow(ctx context.Context, uid string, escrowAmt, actualSpend int64) error
	// ConsumeEscrow subtracts amount from escrow iff escrow >= amount.
	// Used by the matching engine when a fill spends reserved points.
	ConsumeEscrow(ctx context.Context, uid string, amount int64) error

	// Transfer atomically debits from (amount+fee, guarded) and credits to
	// (amount). Stores without multi-row transactions return ErrTxUnsupported
	// and the caller degrades to DebitChecked + Credit.
	Transfer(ctx context.Context, fromUID, toUID string, amount, fee int64) error

	SetEnabled(ctx context.Context, uid string, enabled bool) error
	SetFrozen(ctx context.Context, uid string, frozen bool) error
	// AdjustOwed adds delta to owed (may be negative) and returns the new value.
	AdjustOwed(ctx context.Context, uid string, delta int64) (int64, error)
	// SetBalances overwrites points and escrow. Only the integrity auditor's
	// repair path may call this.
	SetBalances(ctx context.Context, uid string, points, escrow int64) error

	AppendEntry(ctx context.Context, e *Entry) error
	History(ctx context.Context, uid string, limit int) ([]*Entry, error)
	HistoryBefore(ctx context.Context, uid string, before time.Time, beforeID string, limit int) ([]*Entry, error)
	// SumDeltas returns per-uid sums of entry deltas, skipping the given kinds.
	SumDeltas(ctx context.Context, skip map[Kind]bool) (map[string]int64, error)
}

// Ledger is the accounting core. All balance mutations flow through here.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Store exposes the underlying store for composition-root wiring
// (integrity auditor, transfer service).
func (l *Ledger) Store() Store { return l.store }

// CreateAccount registers a new participant with a starting grant.
func (l *Ledger) CreateAccount(ctx context.Context, acct *Account, initialGrant int64) (*Account, error) {
	if acct.UID == "" || acct.Username == "" {
		return nil, ErrInvalidAmount
	}
	now := time.Now().UTC()
	acct.Enabled = true
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	if initialGrant > 0 {
		if _, err := l.Credit(ctx, acct.UID, initialGrant, KindAdminGrant, "initial grant"); err != nil {
			return nil, err
		}
		acct.Points = initialGrant
	}
	return acct, nil
}

// Account returns the account for uid.
func (l *Ledger) Account(ctx context.Context, uid string) (*Account, error) {
	return l.store.Account(ctx, uid)
}

// Resolve returns the account registered under username.
func (l *Ledger) Resolve(ctx context.Context, username string) (*Account, error) {
	return l.store.AccountByUsername(ctx, username)
}

// Credit adds amount to a user's points and appends a ledger entry.
// If the user carries debt, the credit first retires owed points; only the
// remainder lands in points. Retiring the last owed point unfreezes the user.
func (l *Ledger) Credit(ctx context.Context, uid string, amount int64, kind Kind, note string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	acct, err := l.store.Account(ctx, uid)
	if err != nil {
		return 0, err
	}

	remaining := amount
	if acct.Owed > 0 {
		repay := min64(acct.Owed, remaining)
		newOwed, err := l.store.AdjustOwed(ctx, uid, -repay)
		if err != nil {
			return 0, err
		}
		remaining -= repay
		if err := l.Record(ctx, &Entry{
			UID:          uid,
			Delta:        repay,
			Kind:         KindDebtRepayment,
			Note:         note,
			BalanceAfter: acct.Points + acct.Escrow,
		}); err != nil {
			return 0, err
		}
		if newOwed == 0 {
			if err := l.store.SetFrozen(ctx, uid, false); err != nil {
				return 0, err
			}
			l.logger.Info("debt repaid, user unfrozen", "uid", uid)
		}
		if remaining == 0 {
			// The pre-read balance can be stale by now; report the live one.
			cur, err := l.store.Account(ctx, uid)
			if err != nil {
				return 0, err
			}
			return cur.Points, nil
		}
	}

	after, err := l.store.Credit(ctx, uid, remaining)
	if err != nil {
		return 0, err
	}
	if err := l.Record(ctx, &Entry{
		UID:          uid,
		Delta:        remaining,
		Kind:         kind,
		Note:         note,
		BalanceAfter: after + acct.Escrow,
	}); err != nil {
		return 0, err
	}
	return after, nil
}

// DebitChecked subtracts amount from points atomically iff points >= amount,
// and appends a ledger entry. This is the sole legal path (besides
// MoveToEscrow) for reducing a points balance.
func (l *Ledger) DebitChecked(ctx context.Context, uid string, amount int64, kind Kind, note string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	after, err := l.store.DebitChecked(ctx, uid, amount)
	if err != nil {
		return 0, err
	}
	acct, err := l.store.Account(ctx, uid)
	if err != nil {
		return 0, err
	}
	if err := l.Record(ctx, &Entry{
		UID:          uid,
		Delta:        -amount,
		Kind:         kind,
		Note:         note,
		BalanceAfter: after + acct.Escrow,
	}); err != nil {
		return 0, err
	}
	return after, nil
}

// MoveToEscrow reserves amount from points into escrow. The escrow manager
// records the corresponding escrow_reserve entry.
func (l *Ledger) MoveToEscrow(ctx context.Context, uid string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.MoveToEscrow(ctx, uid, amount)
}

// ReleaseFromEscrow returns escrowAmt-actualSpend to points and drops
// escrowAmt from escrow. The escrow manager records the escrow_release entry.
func (l *Ledger) ReleaseFromEscrow(ctx context.Context, uid string, escrowAmt, actualSpend int64) error {
	if escrowAmt < 0 || actualSpend < 0 || actualSpend > escrowAmt {
		return ErrInvalidAmount
	}
	if escrowAmt == 0 {
		return nil
	}
	return l.store.ReleaseFromEscrow(ctx, uid, escrowAmt, actualSpend)
}

// ReserveEscrow moves amount from points to escrow and records the
// escrow_reserve entry. This is the entry point the escrow manager uses.
func (l *Ledger) ReserveEscrow(ctx context.Context, uid string, amount int64, note string) error {
	if err := l.MoveToEscrow(ctx, uid, amount); err != nil {
		return err
	}
	acct, err := l.store.Account(ctx, uid)
	if err != nil {
		return err
	}
	return l.Record(ctx, &Entry{
		UID:          uid,
		Delta:        -amount,
		Kind:         KindEscrowReserve,
		Note:         note,
		BalanceAfter: acct.Points + acct.Escrow,
	})
}

// ReleaseEscrow completes a reservation: reserved leaves escrow, the unspent
// refund returns to points, and the escrow_release entry records the refund.
func (l *Ledger) ReleaseEscrow(ctx context.Context, uid string, reserved, actual int64, note string) error {
	if err := l.ReleaseFromEscrow(ctx, uid, reserved, actual); err != nil {
		return err
	}
	acct, err := l.store.Account(ctx, uid)
	if err != nil {
		return err
	}
	return l.Record(ctx, &Entry{
		UID:          uid,
		Delta:        reserved - actual,
		Kind:         KindEscrowRelease,
		Note:         note,
		BalanceAfter: acct.Points + acct.Escrow,
	})
}

// ConsumeEscrow spends amount out of a user's escrow (fill settlement).
func (l *Ledger) ConsumeEscrow(ctx context.Context, uid string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.ConsumeEscrow(ctx, uid, amount)
}

// Record appends an entry, assigning ID and timestamp if unset.
func (l *Ledger) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("led_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return l.store.AppendEntry(ctx, e)
}

// History returns the most recent ledger entries for a user.
func (l *Ledger) History(ctx context.Context, uid string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, uid, limit)
}

// ConservationAudit recomputes each user's net ledger delta (skipping
// escrow moves and debt repayments, which do not change points+escrow)
// and returns the uids whose recorded sum disagrees with the live balance.
func (l *Ledger) ConservationAudit(ctx context.Context) ([]string, error) {
	sums, err := l.store.SumDeltas(ctx, neutralKinds)
	if err != nil {
		return nil, err
	}
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var discrepant []string
	for _, acct := range accounts {
		if sums[acct.UID] != acct.Points+acct.Escrow {
			discrepant = append(discrepant, acct.UID)
			l.logger.Warn("conservation violation",
				"uid", acct.UID,
				"ledger_sum", sums[acct.UID],
				"balance", acct.Points+acct.Escrow,
			)
		}
	}
	return discrepant, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
