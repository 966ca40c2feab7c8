// Package escrow manages point reservations for pending obligations.
//
// Lifecycle per escrow:
//  1. Create — points moved available → escrow, record inserted
//  2. Consume — points spent out of the reservation as the obligation
//     executes (zero or more times)
//  3. Complete(actual) — record closed, the unconsumed remainder refunded
//  4. Cancel — full refund, nothing consumed
//
// active → completed and active → cancelled are the only transitions.
// An aged active escrow is cancelled by the janitor (see Timer).
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campex/campex/internal/idgen"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrNotActive      = errors.New("escrow is not active")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Type classifies what the reservation backs.
type Type string

const (
	TypeOrder    Type = "order"
	TypeTransfer Type = "transfer"
	TypePvp      Type = "pvp"
)

// Status is the escrow state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ReasonExpired marks janitor cancellations.
const ReasonExpired = "expired_cleanup"

// Escrow is one reservation record. For a completed escrow,
// ActualAmount + Refund == AmountReserved.
type Escrow struct {
	ID             string     `json:"id"`
	UID            string     `json:"uid"`
	AmountReserved int64      `json:"amountReserved"`
	Type           Type       `json:"type"`
	RefID          string     `json:"refId"` // order ID, transfer tx ID, wager ID
	Status         Status     `json:"status"`
	Consumed       int64      `json:"consumed"`
	ActualAmount   int64      `json:"actualAmount"`
	Refund         int64      `json:"refund"`
	CancelReason   string     `json:"cancelReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListActive(ctx context.Context, uid string) ([]*Escrow, error)
	ListActiveOlderThan(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// LedgerService abstracts the accounting core so escrow doesn't import
// the ledger package.
type LedgerService interface {
	ReserveEscrow(ctx context.Context, uid string, amount int64, note string) error
	ConsumeEscrow(ctx context.Context, uid string, amount int64) error
	ReleaseEscrow(ctx context.Context, uid string, reserved, actual int64, note string) error
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	ledger LedgerService
	logger *slog.Logger
	locks  sync.Map // per-escrow ID locks against concurrent transitions
}

// NewService creates an escrow service.
func NewService(store Store, ledger LedgerService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: ledger, logger: logger}
}

func (s *Service) lock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create reserves amount from the user's points and opens an escrow.
func (s *Service) Create(ctx context.Context, uid string, amount int64, typ Type, refID string) (*Escrow, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	e := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		UID:            uid,
		AmountReserved: amount,
		Type:           typ,
		RefID:          refID,
		Status:         StatusActive,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.ledger.ReserveEscrow(ctx, uid, amount, string(typ)+":"+refID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, e); err != nil {
		// Store failed after the balance move: undo the reservation.
		if relErr := s.ledger.ReleaseEscrow(ctx, uid, amount, 0, "create rollback: "+refID); relErr != nil {
			s.logger.Error("escrow create rollback failed, balances need repair",
				"uid", uid, "amount", amount, "error", relErr)
		}
		return nil, fmt.Errorf("create escrow record: %w", err)
	}
	return e, nil
}

// Consume spends amount from an active escrow as its obligation executes
// (an order fill, for instance). The points leave the escrow balance
// immediately; Complete later refunds whatever was never consumed.
func (s *Service) Consume(ctx context.Context, id string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != StatusActive {
		return ErrNotActive
	}
	if e.Consumed+amount > e.AmountReserved {
		return ErrInvalidAmount
	}

	if err := s.ledger.ConsumeEscrow(ctx, e.UID, amount); err != nil {
		return err
	}
	e.Consumed += amount
	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("escrow consumed but record update failed, needs manual repair",
				"escrowId", e.ID, "uid", e.UID, "error", retryErr)
			return fmt.Errorf("update escrow after consume: %w", err)
		}
	}
	return nil
}

// Complete settles an active escrow. The actual amount (<= reserved) has
// already left the escrow balance through ledger consumption as the
// obligation executed; Complete refunds the unspent remainder and closes
// the record.
func (s *Service) Complete(ctx context.Context, id string, actual int64) (*Escrow, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, ErrNotActive
	}
	if actual < 0 || actual > e.AmountReserved {
		return nil, ErrInvalidAmount
	}

	if refund := e.AmountReserved - actual; refund > 0 {
		if err := s.ledger.ReleaseEscrow(ctx, e.UID, refund, 0, string(e.Type)+":"+e.RefID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.ActualAmount = actual
	e.Refund = e.AmountReserved - actual
	e.CompletedAt = &now

	if err := s.store.Update(ctx, e); err != nil {
		// Funds already released; a second attempt is the only safe move.
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("escrow completed but record update failed, needs manual repair",
				"escrowId", e.ID, "uid", e.UID, "error", retryErr)
			return nil, fmt.Errorf("update escrow after release: %w", err)
		}
	}
	return e, nil
}

// Cancel refunds the unconsumed remainder of the reservation. Identical
// money movement to Complete(id, consumed), with cancel bookkeeping fields.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Escrow, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, ErrNotActive
	}

	refund := e.AmountReserved - e.Consumed
	if refund > 0 {
		if err := s.ledger.ReleaseEscrow(ctx, e.UID, refund, 0, "cancel:"+e.RefID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	e.Status = StatusCancelled
	e.Refund = refund
	e.CancelReason = reason
	e.CancelledAt = &now

	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			s.logger.Error("escrow cancelled but record update failed, needs manual repair",
				"escrowId", e.ID, "uid", e.UID, "error", retryErr)
			return nil, fmt.Errorf("update escrow after cancel: %w", err)
		}
	}
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns a user's open reservations.
func (s *Service) ListActive(ctx context.Context, uid string) ([]*Escrow, error) {
	return s.store.ListActive(ctx, uid)
}

// TotalActive sums the unconsumed remainder of a user's open reservations.
// The integrity auditor compares this to the account's escrow balance.
func (s *Service) TotalActive(ctx context.Context, uid string) (int64, error) {
	active, err := s.store.ListActive(ctx, uid)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range active {
		total += e.AmountReserved - e.Consumed
	}
	return total, nil
}

// CleanupExpired cancels active escrows older than age and returns how many
// were cancelled. The linked order, if any, is cancelled through the
// provided canceller first so the book and the reservation stay in step.
func (s *Service) CleanupExpired(ctx context.Context, age time.Duration, canceller OrderCanceller) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	expired, err := s.store.ListActiveOlderThan(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, e := range expired {
		if e.Type == TypeOrder && canceller != nil {
			// Cancelling the order settles its escrow, including this one.
			if err := canceller.CancelForEscrow(ctx, e.RefID, ReasonExpired); err == nil {
				count++
				continue
			}
		}
		if _, err := s.Cancel(ctx, e.ID, ReasonExpired); err != nil {
			s.logger.Warn("failed to cancel expired escrow", "escrowId", e.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// OrderCanceller lets the janitor cancel the order a stale escrow backs.
type OrderCanceller interface {
	CancelForEscrow(ctx context.Context, orderID, reason string) error
}
