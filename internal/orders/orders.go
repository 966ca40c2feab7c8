// Package orders owns the order lifecycle around the matching engine.
//
// Placement runs in phases: validate (user may spend, market open, sane
// request), reserve (buy orders escrow their worst-case cost, sell orders
// lock shares), then hand off to the engine. All mutation for one user is
// serialized through the shard router, so a user's reservation and match
// never race their own cancel.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/engine"
	"github.com/campex/campex/internal/escrow"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/holdings"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/traces"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotOrderOwner  = errors.New("order belongs to another user")
	ErrNotCancellable = errors.New("order is not cancellable")
	ErrMarketClosed   = errors.New("market is closed")
	ErrInvalidOrder   = errors.New("invalid order")
)

// CancelReasonUser marks orders cancelled by their owner.
const CancelReasonUser = "user_cancelled"

var (
	ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Orders accepted by side and type.",
	}, []string{"side", "type"})
	ordersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "orders",
		Name:      "rejected_total",
		Help:      "Orders rejected by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(ordersPlaced, ordersRejected)
}

// Store persists orders and trades.
type Store interface {
	CreateOrder(ctx context.Context, o *book.Order) error
	Order(ctx context.Context, id string) (*book.Order, error)
	// Update overwrites an order's mutable fields (status, qty, spent, ...).
	Update(ctx context.Context, o *book.Order) error
	ListByUser(ctx context.Context, uid string, limit int) ([]*book.Order, error)
	OpenByUser(ctx context.Context, uid string) ([]*book.Order, error)

	// Append records a trade.
	Append(ctx context.Context, t *book.Trade) error
	RecentTrades(ctx context.Context, limit int) ([]*book.Trade, error)
	TradesByUser(ctx context.Context, uid string, limit int) ([]*book.Trade, error)
	// LastTrade returns the most recent trade, or nil when none exists.
	LastTrade(ctx context.Context) (*book.Trade, error)
}

// Matcher is the engine surface the lifecycle needs.
type Matcher interface {
	Submit(ctx context.Context, o *book.Order) (*engine.SubmitResult, error)
	Cancel(ctx context.Context, orderID, reason string) (*book.Order, error)
	Band(ctx context.Context) (lo, hi int64, err error)
	RefPrice(ctx context.Context) (int64, error)
}

// Gate reports whether the market is accepting orders.
type Gate interface {
	IsOpen(ctx context.Context) (bool, error)
}

// Router serializes per-user work onto shards.
type Router interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

// PlaceRequest is an order submission.
type PlaceRequest struct {
	UID   string `json:"-"`
	Side  string `json:"side" binding:"required"`
	Type  string `json:"type" binding:"required"`
	Qty   int64  `json:"qty" binding:"required"`
	Price int64  `json:"price"`
}

// Portfolio is a user's combined position view.
type Portfolio struct {
	UID         string        `json:"uid"`
	Points      int64         `json:"points"`
	Escrow      int64         `json:"escrow"`
	Owed        int64         `json:"owed,omitempty"`
	Shares      int64         `json:"shares"`
	Locked      int64         `json:"locked"`
	AvgCost     string        `json:"avgCost"`
	MarketValue int64         `json:"marketValue"`
	OpenOrders  []*book.Order `json:"openOrders"`
}

// Service is the order lifecycle coordinator.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	escrows  *escrow.Service
	holdings *holdings.Service
	matcher  Matcher
	gate     Gate
	router   Router
	bus      Publisher
	logger   *slog.Logger
}

// NewService wires the lifecycle.
func NewService(store Store, lgr *ledger.Ledger, esc *escrow.Service, hold *holdings.Service,
	matcher Matcher, gate Gate, router Router, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   lgr,
		escrows:  esc,
		holdings: hold,
		matcher:  matcher,
		gate:     gate,
		router:   router,
		bus:      bus,
		logger:   logger,
	}
}

// Place validates, reserves, and submits an order. The returned result
// carries the final order state and any immediate fills.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*engine.SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "orders.place", traces.UID(req.UID))
	defer span.End()

	o, err := s.buildOrder(req)
	if err != nil {
		ordersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}
	span.SetAttributes(traces.OrderID(o.ID))

	open, err := s.gate.IsOpen(ctx)
	if err != nil {
		return nil, err
	}
	if !open {
		ordersRejected.WithLabelValues("market_closed").Inc()
		s.publishFailed(o, ErrMarketClosed)
		return nil, ErrMarketClosed
	}

	acct, err := s.ledger.Account(ctx, o.UID)
	if err != nil {
		return nil, err
	}
	if err := spendable(acct); err != nil {
		ordersRejected.WithLabelValues("account").Inc()
		s.publishFailed(o, err)
		return nil, err
	}

	var res *engine.SubmitResult
	err = s.router.Do(ctx, o.UID, func(ctx context.Context) error {
		res, err = s.placeRouted(ctx, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// placeRouted runs on the user's shard: reserve, persist, submit.
func (s *Service) placeRouted(ctx context.Context, o *book.Order) (*engine.SubmitResult, error) {
	if err := s.reserve(ctx, o); err != nil {
		ordersRejected.WithLabelValues("reserve").Inc()
		s.publishFailed(o, err)
		return nil, err
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		s.rollbackReservation(ctx, o, "store_failure")
		return nil, err
	}
	s.bus.Publish(events.TopicOrderCreated, o.UID, map[string]any{
		"orderId": o.ID,
		"side":    o.Side,
		"type":    o.Type,
		"qty":     o.QtyOriginal,
		"price":   o.Price,
	})

	res, err := s.matcher.Submit(ctx, o)
	if err != nil {
		// The engine rejected without touching reservations (band check).
		s.rollbackReservation(ctx, o, "rejected")
		now := time.Now().UTC()
		o.Status = book.StatusCancelled
		o.CancelledAt = &now
		o.CancelReason = "rejected"
		if uerr := s.store.Update(ctx, o); uerr != nil {
			s.logger.Error("order persist failed", "orderId", o.ID, "error", uerr)
		}
		ordersRejected.WithLabelValues("band").Inc()
		s.publishFailed(o, err)
		return nil, err
	}

	ordersPlaced.WithLabelValues(string(o.Side), string(o.Type)).Inc()
	return res, nil
}

func (s *Service) buildOrder(req PlaceRequest) (*book.Order, error) {
	side := book.Side(req.Side)
	if side != book.SideBuy && side != book.SideSell {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	typ := book.OrderType(req.Type)
	if typ != book.TypeMarket && typ != book.TypeLimit {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	}
	if typ == book.TypeLimit && req.Price <= 0 {
		return nil, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidOrder)
	}
	if typ == book.TypeMarket && req.Price != 0 {
		return nil, fmt.Errorf("%w: market orders carry no price", ErrInvalidOrder)
	}
	return &book.Order{
		ID:           idgen.WithPrefix("ord_"),
		UID:          req.UID,
		Side:         side,
		Type:         typ,
		QtyOriginal:  req.Qty,
		QtyRemaining: req.Qty,
		Price:        req.Price,
		Status:       book.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// reserve locks the resources an order may consume: buys escrow their
// worst-case cost (limit price, or the band cap for market orders), sells
// lock the shares.
func (s *Service) reserve(ctx context.Context, o *book.Order) error {
	if o.Side == book.SideSell {
		return s.holdings.LockShares(ctx, o.UID, o.QtyRemaining)
	}

	worst := o.Price
	if o.Type == book.TypeMarket {
		_, hi, err := s.matcher.Band(ctx)
		if err != nil {
			return err
		}
		worst = hi
	}
	esc, err := s.escrows.Create(ctx, o.UID, worst*o.QtyOriginal, escrow.TypeOrder, o.ID)
	if err != nil {
		return err
	}
	o.EscrowID = esc.ID
	return nil
}

func (s *Service) rollbackReservation(ctx context.Context, o *book.Order, reason string) {
	if o.Side == book.SideSell {
		if err := s.holdings.UnlockShares(ctx, o.UID, o.QtyRemaining); err != nil {
			s.logger.Error("CRITICAL: share unlock failed", "orderId", o.ID, "error", err)
		}
		return
	}
	if o.EscrowID == "" {
		return
	}
	if _, err := s.escrows.Cancel(ctx, o.EscrowID, reason); err != nil {
		s.logger.Error("CRITICAL: escrow rollback failed",
			"orderId", o.ID, "escrowId", o.EscrowID, "error", err)
	}
}

// Cancel cancels a resting order owned by uid. Cancellation is allowed
// while the market is closed; close already swept the book, so this only
// reconciles stragglers.
func (s *Service) Cancel(ctx context.Context, uid, orderID string) (*book.Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.cancel", traces.UID(uid), traces.OrderID(orderID))
	defer span.End()

	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UID != uid {
		return nil, ErrNotOrderOwner
	}
	if o.Terminal() {
		return nil, ErrNotCancellable
	}

	var out *book.Order
	err = s.router.Do(ctx, uid, func(ctx context.Context) error {
		out, err = s.matcher.Cancel(ctx, orderID, CancelReasonUser)
		if errors.Is(err, book.ErrOrderNotFound) {
			// Filled or swept between our read and the engine call.
			cur, gerr := s.store.Order(ctx, orderID)
			if gerr != nil {
				return gerr
			}
			if cur.Terminal() {
				return ErrNotCancellable
			}
			return err
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelForEscrow cancels the order backing an expired escrow. Satisfies
// the escrow janitor's canceller contract.
func (s *Service) CancelForEscrow(ctx context.Context, orderID, reason string) error {
	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Terminal() {
		return nil
	}
	return s.router.Do(ctx, o.UID, func(ctx context.Context) error {
		_, cerr := s.matcher.Cancel(ctx, orderID, reason)
		if errors.Is(cerr, book.ErrOrderNotFound) {
			return nil
		}
		return cerr
	})
}

// Order returns one order, enforcing ownership.
func (s *Service) Order(ctx context.Context, uid, orderID string) (*book.Order, error) {
	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UID != uid {
		return nil, ErrNotOrderOwner
	}
	return o, nil
}

// History returns the user's most recent orders.
func (s *Service) History(ctx context.Context, uid string, limit int) ([]*book.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, uid, limit)
}

// Trades returns the user's most recent fills.
func (s *Service) Trades(ctx context.Context, uid string, limit int) ([]*book.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.TradesByUser(ctx, uid, limit)
}

// RecentTrades returns the latest fills across all users.
func (s *Service) RecentTrades(ctx context.Context, limit int) ([]*book.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.RecentTrades(ctx, limit)
}

// Portfolio assembles a user's position: balances, holding, open orders,
// and the holding's value at the current reference price.
func (s *Service) Portfolio(ctx context.Context, uid string) (*Portfolio, error) {
	acct, err := s.ledger.Account(ctx, uid)
	if err != nil {
		return nil, err
	}
	h, err := s.holdings.Holding(ctx, uid)
	if err != nil {
		return nil, err
	}
	open, err := s.store.OpenByUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	ref, err := s.matcher.RefPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &Portfolio{
		UID:         uid,
		Points:      acct.Points,
		Escrow:      acct.Escrow,
		Owed:        acct.Owed,
		Shares:      h.Shares,
		Locked:      h.Locked,
		AvgCost:     h.AvgCost(),
		MarketValue: h.Shares * ref,
		OpenOrders:  open,
	}, nil
}

func (s *Service) publishFailed(o *book.Order, cause error) {
	s.bus.Publish(events.TopicOrderFailed, o.UID, map[string]any{
		"orderId": o.ID,
		"side":    o.Side,
		"type":    o.Type,
		"reason":  cause.Error(),
	})
}

func spendable(acct *ledger.Account) error {
	if !acct.Enabled {
		return ledger.ErrDisabled
	}
	if acct.Frozen {
		return ledger.ErrFrozen
	}
	if acct.Owed > 0 {
		return ledger.ErrHasDebt
	}
	return nil
}
