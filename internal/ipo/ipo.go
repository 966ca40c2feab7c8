// Package ipo sells shares out of the primary pool at the fixed IPO price.
//
// A direct purchase needs no order and no escrow: the share decrement and
// the point debit are both guarded conditional updates, so the only
// failure between them is repaired by returning the shares to the pool.
package ipo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/holdings"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/market"
)

var ErrMarketClosed = errors.New("market is closed")

var ipoSharesSold = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "campex",
	Subsystem: "ipo",
	Name:      "shares_sold_total",
	Help:      "Shares sold from the primary pool.",
})

func init() {
	prometheus.MustRegister(ipoSharesSold)
}

// Gate reports whether the market is accepting orders.
type Gate interface {
	IsOpen(ctx context.Context) (bool, error)
}

// Recorder folds an off-book fill into the trade stream.
type Recorder interface {
	RecordExternalFill(ctx context.Context, t *book.Trade) error
}

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

// Purchase is the result of a direct IPO buy.
type Purchase struct {
	UID    string `json:"uid"`
	Qty    int64  `json:"qty"`
	Price  int64  `json:"price"`
	Cost   int64  `json:"cost"`
	Points int64  `json:"points"` // balance after
}

// Status is the pool view.
type Status struct {
	Price           int64 `json:"price"`
	SharesRemaining int64 `json:"sharesRemaining"`
}

// Service sells from the IPO pool.
type Service struct {
	cfg      market.Store
	ledger   *ledger.Ledger
	holdings *holdings.Service
	recorder Recorder
	gate     Gate
	bus      Publisher
	logger   *slog.Logger
}

// NewService creates an IPO service.
func NewService(cfg market.Store, lgr *ledger.Ledger, hold *holdings.Service,
	recorder Recorder, gate Gate, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		ledger:   lgr,
		holdings: hold,
		recorder: recorder,
		gate:     gate,
		bus:      bus,
		logger:   logger,
	}
}

// Status returns the IPO price and remaining pool.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	cfg, err := s.cfg.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Price: cfg.IPOPrice, SharesRemaining: cfg.IPOSharesRemaining}, nil
}

// Buy purchases qty shares at the IPO price.
func (s *Service) Buy(ctx context.Context, uid string, qty int64) (*Purchase, error) {
	if qty <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	open, err := s.gate.IsOpen(ctx)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, ErrMarketClosed
	}

	acct, err := s.ledger.Account(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !acct.Enabled {
		return nil, ledger.ErrDisabled
	}
	if acct.Frozen {
		return nil, ledger.ErrFrozen
	}
	if acct.Owed > 0 {
		return nil, ledger.ErrHasDebt
	}

	cfg, err := s.cfg.Get(ctx)
	if err != nil {
		return nil, err
	}
	cost := cfg.IPOPrice * qty

	// Shares first: the pool is the scarcer resource and easy to return.
	if err := s.cfg.DecrementIPOShares(ctx, qty); err != nil {
		return nil, err
	}
	after, err := s.ledger.DebitChecked(ctx, uid, cost, ledger.KindTradeBuy,
		fmt.Sprintf("ipo buy %d @ %d", qty, cfg.IPOPrice))
	if err != nil {
		s.returnShares(ctx, qty)
		return nil, err
	}
	if err := s.holdings.ApplyBuy(ctx, uid, qty, cost); err != nil {
		s.logger.Error("CRITICAL: ipo holding update failed", "uid", uid, "qty", qty, "error", err)
	}

	trade := &book.Trade{
		BuyerUID:  uid,
		Price:     cfg.IPOPrice,
		Qty:       qty,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.recorder.RecordExternalFill(ctx, trade); err != nil {
		s.logger.Error("ipo trade record failed", "uid", uid, "error", err)
	}

	ipoSharesSold.Add(float64(qty))
	s.bus.Publish(events.TopicUserPointsUpdated, uid, map[string]any{
		"points": after,
		"reason": "ipo_buy",
	})
	return &Purchase{UID: uid, Qty: qty, Price: cfg.IPOPrice, Cost: cost, Points: after}, nil
}

func (s *Service) returnShares(ctx context.Context, qty int64) {
	if _, err := s.cfg.Mutate(ctx, func(c *market.Config) error {
		c.IPOSharesRemaining += qty
		return nil
	}); err != nil {
		s.logger.Error("CRITICAL: ipo share return failed", "qty", qty, "error", err)
	}
}

// Reset replaces the IPO price and pool (admin).
func (s *Service) Reset(ctx context.Context, price, shares int64) (*Status, error) {
	if price <= 0 || shares < 0 {
		return nil, market.ErrInvalidConfig
	}
	cfg, err := s.cfg.Mutate(ctx, func(c *market.Config) error {
		c.IPOPrice = price
		c.IPOSharesRemaining = shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ipo reset", "price", price, "shares", shares)
	return &Status{Price: cfg.IPOPrice, SharesRemaining: cfg.IPOSharesRemaining}, nil
}

// Update adjusts the IPO price and/or remaining pool, leaving nil fields
// untouched (admin). Unlike Reset, it never rewrites a value that was not
// asked for.
func (s *Service) Update(ctx context.Context, price, shares *int64) (*Status, error) {
	if price == nil && shares == nil {
		return nil, market.ErrInvalidConfig
	}
	if price != nil && *price <= 0 {
		return nil, market.ErrInvalidConfig
	}
	if shares != nil && *shares < 0 {
		return nil, market.ErrInvalidConfig
	}
	cfg, err := s.cfg.Mutate(ctx, func(c *market.Config) error {
		if price != nil {
			c.IPOPrice = *price
		}
		if shares != nil {
			c.IPOSharesRemaining = *shares
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ipo updated", "price", cfg.IPOPrice, "shares", cfg.IPOSharesRemaining)
	return &Status{Price: cfg.IPOPrice, SharesRemaining: cfg.IPOSharesRemaining}, nil
}
