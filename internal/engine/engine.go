// Package engine is the matching core for the single camp instrument.
//
// All book access funnels through one worker goroutine: public methods
// enqueue closures onto the request queue and wait for completion, so
// matching is single-threaded no matter how many shards submit orders.
// Settlement effects (balances, holdings, escrow, trades) leave the engine
// through narrow ports; the composition root injects the real services.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/market"
)

var (
	ErrPriceOutOfBand = errors.New("price outside permitted band")
	ErrEngineStopped  = errors.New("matching engine is not running")
)

// CancelReasonUnfilled marks market orders whose residual found no liquidity.
const CancelReasonUnfilled = "market_unfilled"

var (
	tradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "engine",
		Name:      "trades_total",
		Help:      "Trades executed.",
	})
	tradeVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "engine",
		Name:      "trade_volume_shares_total",
		Help:      "Shares traded.",
	})
	refPriceGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "campex",
		Subsystem: "engine",
		Name:      "ref_price_points",
		Help:      "Current session reference price.",
	})
	restingOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "campex",
		Subsystem: "engine",
		Name:      "resting_orders",
		Help:      "Orders currently resting on the book.",
	})
)

func init() {
	prometheus.MustRegister(tradesTotal, tradeVolume, refPriceGauge, restingOrders)
}

// LedgerPort is the accounting surface the engine settles through.
type LedgerPort interface {
	// RecordBuySpend appends the buyer's trade_buy ledger entry.
	RecordBuySpend(ctx context.Context, uid string, amount int64, note string) error
	// CreditSale pays the seller and appends the trade_sell entry.
	CreditSale(ctx context.Context, uid string, amount int64, note string) error
}

// EscrowPort spends from and settles buy-side reservations.
type EscrowPort interface {
	// Consume spends amount out of the reservation at fill time.
	Consume(ctx context.Context, escrowID string, amount int64) error
	Complete(ctx context.Context, escrowID string, actual int64) error
	Cancel(ctx context.Context, escrowID, reason string) error
}

// HoldingsPort mutates share positions during fills.
type HoldingsPort interface {
	ApplyBuy(ctx context.Context, uid string, qty, cost int64) error
	ApplySell(ctx context.Context, uid string, qty int64) error
	UnlockShares(ctx context.Context, uid string, qty int64) error
}

// OrderStore persists order status transitions performed by the engine.
type OrderStore interface {
	Update(ctx context.Context, o *book.Order) error
}

// TradeStore appends immutable trade records.
type TradeStore interface {
	Append(ctx context.Context, t *book.Trade) error
}

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

// SubmitResult reports what happened to a submitted order.
type SubmitResult struct {
	Order *book.Order   `json:"order"`
	Fills []*book.Trade `json:"fills"`
}

// Summary is the session price overview.
type Summary struct {
	Last      int64 `json:"last"`
	Open      int64 `json:"open"`
	High      int64 `json:"high"`
	Low       int64 `json:"low"`
	Change    int64 `json:"change"`
	ChangePct int64 `json:"changePct"` // basis points
	Volume    int64 `json:"volume"`
	BandBP    int64 `json:"bandBp"`
}

// Engine is the single-instrument matcher.
type Engine struct {
	cfg      market.Store
	bk       *book.Book
	ledger   LedgerPort
	escrows  EscrowPort
	holdings HoldingsPort
	orders   OrderStore
	trades   TradeStore
	bus      Publisher
	logger   *slog.Logger

	refPrice    int64
	sessionOpen int64
	high        int64
	low         int64
	volume      int64

	reqs    chan request
	stopped chan struct{}
}

type request struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Config wires an engine.
type Config struct {
	Market   market.Store
	Ledger   LedgerPort
	Escrows  EscrowPort
	Holdings HoldingsPort
	Orders   OrderStore
	Trades   TradeStore
	Bus      Publisher
	Logger   *slog.Logger
	// RefPrice seeds the session reference price (last trade, or IPO price).
	RefPrice int64
}

// New creates an engine. Call Start before submitting orders.
func New(c Config) *Engine {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:      c.Market,
		bk:       book.New(),
		ledger:   c.Ledger,
		escrows:  c.Escrows,
		holdings: c.Holdings,
		orders:   c.Orders,
		trades:   c.Trades,
		bus:      c.Bus,
		logger:   logger,
		refPrice: c.RefPrice,
		reqs:     make(chan request, 1024),
		stopped:  make(chan struct{}),
	}
	refPriceGauge.Set(float64(e.refPrice))
	return e
}

// Start runs the matching worker until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-e.reqs:
				req.fn(ctx)
				close(req.done)
			}
		}
	}()
}

// do runs fn on the matching worker and waits for it.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	case e.reqs <- req:
	}
	select {
	case <-e.stopped:
		return ErrEngineStopped
	case <-req.done:
		return nil
	}
}

// Band returns the permitted limit-price range around the reference price:
// [floor(ref*(1-bp/10000)), ceil(ref*(1+bp/10000))].
func (e *Engine) Band(ctx context.Context) (lo, hi int64, err error) {
	cfg, err := e.cfg.Get(ctx)
	if err != nil {
		return 0, 0, err
	}
	var ref int64
	if derr := e.do(ctx, func(context.Context) { ref = e.refPrice }); derr != nil {
		return 0, 0, derr
	}
	lo, hi = bandRange(ref, cfg.BandBP)
	return lo, hi, nil
}

func bandRange(ref, bp int64) (lo, hi int64) {
	lo = ref * (10000 - bp) / 10000 // floor for non-negative operands
	hi = (ref*(10000+bp) + 9999) / 10000
	if lo < 1 {
		lo = 1
	}
	return lo, hi
}

// RefPrice returns the session reference price.
func (e *Engine) RefPrice(ctx context.Context) (int64, error) {
	var ref int64
	err := e.do(ctx, func(context.Context) { ref = e.refPrice })
	return ref, err
}

// Depth returns the aggregated top-of-book view.
func (e *Engine) Depth(ctx context.Context, levels int) (bids, asks []book.Level, err error) {
	err = e.do(ctx, func(context.Context) { bids, asks = e.bk.Depth(levels) })
	return bids, asks, err
}

// PriceSummary returns the session OHLC view.
func (e *Engine) PriceSummary(ctx context.Context) (*Summary, error) {
	cfg, err := e.cfg.Get(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{BandBP: cfg.BandBP}
	err = e.do(ctx, func(context.Context) {
		s.Last = e.refPrice
		s.Open = e.sessionOpen
		s.High = e.high
		s.Low = e.low
		s.Volume = e.volume
		if e.sessionOpen > 0 {
			s.Change = e.refPrice - e.sessionOpen
			s.ChangePct = s.Change * 10000 / e.sessionOpen
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// noteTrade folds a fill into the session stats. Worker-only.
func (e *Engine) noteTrade(price, qty int64) {
	e.refPrice = price
	if e.sessionOpen == 0 {
		e.sessionOpen = price
	}
	if price > e.high {
		e.high = price
	}
	if e.low == 0 || price < e.low {
		e.low = price
	}
	e.volume += qty
	tradesTotal.Inc()
	tradeVolume.Add(float64(qty))
	refPriceGauge.Set(float64(price))
}

// RecordExternalFill folds an off-book fill (direct IPO purchase) into the
// trade stream and session stats.
func (e *Engine) RecordExternalFill(ctx context.Context, t *book.Trade) error {
	var err error
	derr := e.do(ctx, func(ctx context.Context) {
		if t.ID == "" {
			t.ID = idgen.WithPrefix("trd_")
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		if err = e.trades.Append(ctx, t); err != nil {
			return
		}
		e.noteTrade(t.Price, t.Qty)
		e.publishPrice()
	})
	if derr != nil {
		return derr
	}
	return err
}

func (e *Engine) publishPrice() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicPriceUpdated, "", map[string]any{
		"price":  e.refPrice,
		"volume": e.volume,
	})
}

func (e *Engine) publish(topic events.Topic, uid string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, uid, payload)
}
