// Package holdings tracks share positions and the sell-side share lock.
//
// A sell order does not escrow points; it locks shares. LockShares is the
// share-side analogue of the ledger's compare-and-decrement: the
// available-shares check and the lock increment are one atomic step, so a
// holding can never be sold below the quantity already promised to resting
// sell orders.
package holdings

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrHoldingNotFound    = errors.New("holding not found")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidQty         = errors.New("invalid quantity")
)

// Holding is one user's position. CostBasis is the total points paid for
// the current shares; the average cost is the exact rational
// CostBasis/Shares, so it survives any number of buys without drift and is
// truncated to two fractional digits only for display.
type Holding struct {
	UID       string `json:"uid"`
	Shares    int64  `json:"shares"`
	Locked    int64  `json:"locked"` // shares reserved by resting sell orders
	CostBasis int64  `json:"costBasis"`
}

// Available returns the shares not reserved by sell orders.
func (h *Holding) Available() int64 { return h.Shares - h.Locked }

// AvgCost returns the weighted-average cost truncated to two decimals,
// e.g. "20.66". Zero shares yields "0.00".
func (h *Holding) AvgCost() string {
	if h.Shares == 0 {
		return "0.00"
	}
	whole := h.CostBasis / h.Shares
	frac := (h.CostBasis % h.Shares) * 100 / h.Shares
	return fmt.Sprintf("%d.%02d", whole, frac)
}

// Store persists holdings. Guarded mutations (LockShares, ApplySell) are
// atomic conditional updates, mirroring the ledger store contract.
type Store interface {
	Holding(ctx context.Context, uid string) (*Holding, error)
	List(ctx context.Context) ([]*Holding, error)

	// ApplyBuy adds qty shares at a total cost, updating the cost basis.
	ApplyBuy(ctx context.Context, uid string, qty, cost int64) error
	// LockShares reserves qty shares iff shares-locked >= qty.
	LockShares(ctx context.Context, uid string, qty int64) error
	// UnlockShares releases a prior reservation.
	UnlockShares(ctx context.Context, uid string, qty int64) error
	// ApplySell consumes qty locked shares: shares -= qty, locked -= qty.
	// The cost basis shrinks proportionally (sells do not change avg cost).
	ApplySell(ctx context.Context, uid string, qty int64) error
	// Clear zeroes a holding and returns the shares removed. Used by final
	// settlement only.
	Clear(ctx context.Context, uid string) (int64, error)
}

// Service wraps a Store with argument validation.
type Service struct {
	store Store
}

// NewService creates a holdings service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Holding(ctx context.Context, uid string) (*Holding, error) {
	return s.store.Holding(ctx, uid)
}

func (s *Service) List(ctx context.Context) ([]*Holding, error) {
	return s.store.List(ctx)
}

func (s *Service) ApplyBuy(ctx context.Context, uid string, qty, cost int64) error {
	if qty <= 0 || cost < 0 {
		return ErrInvalidQty
	}
	return s.store.ApplyBuy(ctx, uid, qty, cost)
}

func (s *Service) LockShares(ctx context.Context, uid string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	return s.store.LockShares(ctx, uid, qty)
}

func (s *Service) UnlockShares(ctx context.Context, uid string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	return s.store.UnlockShares(ctx, uid, qty)
}

func (s *Service) ApplySell(ctx context.Context, uid string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQty
	}
	return s.store.ApplySell(ctx, uid, qty)
}

func (s *Service) Clear(ctx context.Context, uid string) (int64, error) {
	return s.store.Clear(ctx, uid)
}

// TotalShares sums all held shares (share conservation checks).
func (s *Service) TotalShares(ctx context.Context) (int64, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, h := range all {
		total += h.Shares
	}
	return total, nil
}
