package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/market"
)

// fakeLedger records settlement calls without real accounting.
type fakeLedger struct {
	spent    map[string]int64
	credited map[string]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		spent:    map[string]int64{},
		credited: map[string]int64{},
	}
}

func (f *fakeLedger) RecordBuySpend(ctx context.Context, uid string, amount int64, note string) error {
	f.spent[uid] += amount
	return nil
}

func (f *fakeLedger) CreditSale(ctx context.Context, uid string, amount int64, note string) error {
	f.credited[uid] += amount
	return nil
}

type fakeEscrows struct {
	consumed  map[string]int64
	completed map[string]int64
	cancelled map[string]string
}

func newFakeEscrows() *fakeEscrows {
	return &fakeEscrows{
		consumed:  map[string]int64{},
		completed: map[string]int64{},
		cancelled: map[string]string{},
	}
}

func (f *fakeEscrows) Consume(ctx context.Context, escrowID string, amount int64) error {
	f.consumed[escrowID] += amount
	return nil
}

func (f *fakeEscrows) Complete(ctx context.Context, escrowID string, actual int64) error {
	f.completed[escrowID] = actual
	return nil
}

func (f *fakeEscrows) Cancel(ctx context.Context, escrowID, reason string) error {
	f.cancelled[escrowID] = reason
	return nil
}

type fakeHoldings struct {
	bought   map[string]int64
	cost     map[string]int64
	sold     map[string]int64
	unlocked map[string]int64
}

func newFakeHoldings() *fakeHoldings {
	return &fakeHoldings{
		bought:   map[string]int64{},
		cost:     map[string]int64{},
		sold:     map[string]int64{},
		unlocked: map[string]int64{},
	}
}

func (f *fakeHoldings) ApplyBuy(ctx context.Context, uid string, qty, cost int64) error {
	f.bought[uid] += qty
	f.cost[uid] += cost
	return nil
}

func (f *fakeHoldings) ApplySell(ctx context.Context, uid string, qty int64) error {
	f.sold[uid] += qty
	return nil
}

func (f *fakeHoldings) UnlockShares(ctx context.Context, uid string, qty int64) error {
	f.unlocked[uid] += qty
	return nil
}

type fakeStore struct {
	orders map[string]*book.Order
	trades []*book.Trade
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*book.Order{}}
}

func (f *fakeStore) Update(ctx context.Context, o *book.Order) error {
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeStore) Append(ctx context.Context, t *book.Trade) error {
	f.trades = append(f.trades, t)
	return nil
}

type fixtures struct {
	ledger   *fakeLedger
	escrows  *fakeEscrows
	holdings *fakeHoldings
	store    *fakeStore
	cfg      market.Store
}

func newTestEngine(t *testing.T, seed market.Config, ref int64) (*Engine, *fixtures) {
	t.Helper()
	fx := &fixtures{
		ledger:   newFakeLedger(),
		escrows:  newFakeEscrows(),
		holdings: newFakeHoldings(),
		store:    newFakeStore(),
		cfg:      market.NewMemoryStore(seed),
	}
	e := New(Config{
		Market:   fx.cfg,
		Ledger:   fx.ledger,
		Escrows:  fx.escrows,
		Holdings: fx.holdings,
		Orders:   fx.store,
		Trades:   fx.store,
		RefPrice: ref,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	return e, fx
}

func order(uid string, side book.Side, typ book.OrderType, price, qty int64) *book.Order {
	o := &book.Order{
		ID:           idgen.WithPrefix("ord_"),
		UID:          uid,
		Side:         side,
		Type:         typ,
		QtyOriginal:  qty,
		QtyRemaining: qty,
		Price:        price,
		Status:       book.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if side == book.SideBuy {
		o.EscrowID = "esc_" + o.ID
	}
	return o
}

func seedCfg() market.Config {
	return market.Config{IPOPrice: 20, IPOSharesRemaining: 0, BandBP: 2000}
}

func TestBandRange(t *testing.T) {
	tests := []struct {
		ref, bp, lo, hi int64
	}{
		{20, 2000, 16, 24},
		{100, 2000, 80, 120},
		{10, 500, 9, 11},  // floor(9.5)=9, ceil(10.5)=11
		{1, 2000, 1, 2},   // lo floored to 1
		{3, 3333, 2, 4},
	}
	for _, tc := range tests {
		lo, hi := bandRange(tc.ref, tc.bp)
		assert.Equal(t, tc.lo, lo, "ref=%d bp=%d", tc.ref, tc.bp)
		assert.Equal(t, tc.hi, hi, "ref=%d bp=%d", tc.ref, tc.bp)
	}
}

func TestSubmit_LimitOutOfBandRejected(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20) // band [16, 24]
	ctx := context.Background()

	_, err := e.Submit(ctx, order("usr_a", book.SideBuy, book.TypeLimit, 25, 1))
	assert.ErrorIs(t, err, ErrPriceOutOfBand)

	_, err = e.Submit(ctx, order("usr_a", book.SideSell, book.TypeLimit, 15, 1))
	assert.ErrorIs(t, err, ErrPriceOutOfBand)
}

func TestSubmit_LimitRestsWhenNoCross(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	res, err := e.Submit(ctx, order("usr_a", book.SideBuy, book.TypeLimit, 18, 5))
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, book.StatusPending, res.Order.Status)

	bids, _, err := e.Depth(ctx, 5)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, book.Level{Price: 18, Qty: 5}, bids[0])

	// Resting order was persisted.
	assert.Contains(t, fx.store.orders, res.Order.ID)
}

func TestSubmit_FillsAtMakerPrice(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	sell := order("usr_s", book.SideSell, book.TypeLimit, 19, 5)
	_, err := e.Submit(ctx, sell)
	require.NoError(t, err)

	// Buyer is willing to pay 22 but fills at the resting 19.
	res, err := e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeLimit, 22, 5))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)

	tr := res.Fills[0]
	assert.Equal(t, int64(19), tr.Price)
	assert.Equal(t, int64(5), tr.Qty)
	assert.Equal(t, "usr_b", tr.BuyerUID)
	assert.Equal(t, "usr_s", tr.SellerUID)

	assert.Equal(t, int64(95), fx.escrows.consumed[res.Order.EscrowID])
	assert.Equal(t, int64(95), fx.ledger.credited["usr_s"])
	assert.Equal(t, int64(5), fx.holdings.bought["usr_b"])
	assert.Equal(t, int64(5), fx.holdings.sold["usr_s"])

	// Both orders filled; buyer escrow completed with actual spend.
	assert.Equal(t, book.StatusFilled, res.Order.Status)
	assert.Equal(t, int64(95), fx.escrows.completed[res.Order.EscrowID])

	// Reference price follows the trade.
	ref, err := e.RefPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(19), ref)
}

func TestSubmit_PartialFillRests(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	_, err := e.Submit(ctx, order("usr_s", book.SideSell, book.TypeLimit, 20, 3))
	require.NoError(t, err)

	res, err := e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeLimit, 20, 10))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(3), res.Fills[0].Qty)
	assert.Equal(t, book.StatusPartial, res.Order.Status)
	assert.Equal(t, int64(7), res.Order.QtyRemaining)

	bids, asks, _ := e.Depth(ctx, 5)
	assert.Empty(t, asks)
	require.Len(t, bids, 1)
	assert.Equal(t, book.Level{Price: 20, Qty: 7}, bids[0])
}

func TestSubmit_PriceTimePriority(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	first := order("usr_1", book.SideSell, book.TypeLimit, 20, 2)
	second := order("usr_2", book.SideSell, book.TypeLimit, 20, 2)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	_, err := e.Submit(ctx, first)
	require.NoError(t, err)
	_, err = e.Submit(ctx, second)
	require.NoError(t, err)

	res, err := e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeLimit, 20, 3))
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, "usr_1", res.Fills[0].SellerUID, "older maker fills first")
	assert.Equal(t, int64(2), res.Fills[0].Qty)
	assert.Equal(t, "usr_2", res.Fills[1].SellerUID)
	assert.Equal(t, int64(1), res.Fills[1].Qty)
}

func TestSubmit_SelfMatchCancelsRestingOrder(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	own := order("usr_a", book.SideSell, book.TypeLimit, 20, 5)
	_, err := e.Submit(ctx, own)
	require.NoError(t, err)
	other := order("usr_b", book.SideSell, book.TypeLimit, 21, 5)
	_, err = e.Submit(ctx, other)
	require.NoError(t, err)

	// usr_a's buy would cross its own ask; the resting ask is cancelled and
	// the buy continues into usr_b's liquidity.
	res, err := e.Submit(ctx, order("usr_a", book.SideBuy, book.TypeLimit, 22, 5))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(21), res.Fills[0].Price)
	assert.Equal(t, "usr_b", res.Fills[0].SellerUID)

	stored := fx.store.orders[own.ID]
	require.NotNil(t, stored)
	assert.Equal(t, book.StatusCancelled, stored.Status)
	assert.Equal(t, "self_match", stored.CancelReason)
	// The cancelled sell's locked shares were released.
	assert.Equal(t, int64(5), fx.holdings.unlocked["usr_a"])
}

func TestSubmit_MarketBuyFallsToIPOPool(t *testing.T) {
	seed := seedCfg()
	seed.IPOSharesRemaining = 30
	e, fx := newTestEngine(t, seed, 20)
	ctx := context.Background()

	res, err := e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeMarket, 0, 50))
	require.NoError(t, err)

	// 30 shares from the pool at the IPO price, residual 20 cancelled.
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(20), res.Fills[0].Price)
	assert.Equal(t, int64(30), res.Fills[0].Qty)
	assert.Empty(t, res.Fills[0].SellerUID, "pool fills have no seller")

	assert.Equal(t, book.StatusCancelled, res.Order.Status)
	assert.Equal(t, CancelReasonUnfilled, res.Order.CancelReason)
	assert.Equal(t, int64(600), fx.escrows.consumed[res.Order.EscrowID])
	assert.Equal(t, int64(30), fx.holdings.bought["usr_b"])

	cfg, err := fx.cfg.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.IPOSharesRemaining)

	// Terminal buy with partial spend completes its escrow at actual cost.
	assert.Equal(t, int64(600), fx.escrows.completed[res.Order.EscrowID])
}

func TestSubmit_MarketBuyPrefersBookOverPool(t *testing.T) {
	seed := seedCfg()
	seed.IPOSharesRemaining = 100
	e, _ := newTestEngine(t, seed, 20)
	ctx := context.Background()

	_, err := e.Submit(ctx, order("usr_s", book.SideSell, book.TypeLimit, 18, 5))
	require.NoError(t, err)

	res, err := e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeMarket, 0, 5))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(18), res.Fills[0].Price)
	assert.Equal(t, "usr_s", res.Fills[0].SellerUID)
	assert.Equal(t, book.StatusFilled, res.Order.Status)
}

func TestSubmit_MarketSellUnfilledCancels(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	o := order("usr_s", book.SideSell, book.TypeMarket, 0, 10)
	res, err := e.Submit(ctx, o)
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, book.StatusCancelled, res.Order.Status)
	assert.Equal(t, CancelReasonUnfilled, res.Order.CancelReason)
	// Locked shares come back.
	assert.Equal(t, int64(10), fx.holdings.unlocked["usr_s"])
}

func TestSubmit_MarketRespectsBandEdge(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20) // band [16, 24]
	ctx := context.Background()

	// Ask at 24 is inside the band; a market buy takes it. An ask placed at
	// the band edge after a move would be skipped if it priced above hi.
	_, err := e.Submit(ctx, order("usr_s", book.SideSell, book.TypeLimit, 24, 5))
	require.NoError(t, err)

	res, err := e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeMarket, 0, 5))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(24), res.Fills[0].Price)
}

func TestCancel_RestingBuyReleasesEscrow(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	o := order("usr_a", book.SideBuy, book.TypeLimit, 18, 5)
	_, err := e.Submit(ctx, o)
	require.NoError(t, err)

	cancelled, err := e.Cancel(ctx, o.ID, "user_cancel")
	require.NoError(t, err)
	assert.Equal(t, book.StatusCancelled, cancelled.Status)
	assert.Equal(t, "user_cancel", fx.escrows.cancelled[o.EscrowID])

	bids, _, _ := e.Depth(ctx, 5)
	assert.Empty(t, bids)
}

func TestCancel_RestingSellUnlocksShares(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	o := order("usr_a", book.SideSell, book.TypeLimit, 22, 7)
	_, err := e.Submit(ctx, o)
	require.NoError(t, err)

	_, err = e.Cancel(ctx, o.ID, "user_cancel")
	require.NoError(t, err)
	assert.Equal(t, int64(7), fx.holdings.unlocked["usr_a"])
}

func TestCancel_UnknownOrder(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	_, err := e.Cancel(context.Background(), "ord_missing", "x")
	assert.ErrorIs(t, err, book.ErrOrderNotFound)
}

func TestCancelAll(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		_, err := e.Submit(ctx, order("usr_a", book.SideBuy, book.TypeLimit, 17+i, 1))
		require.NoError(t, err)
	}
	_, err := e.Submit(ctx, order("usr_b", book.SideSell, book.TypeLimit, 23, 1))
	require.NoError(t, err)

	n, err := e.CancelAll(ctx, "market_closed")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	bids, asks, _ := e.Depth(ctx, 5)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestPriceSummary(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	_, err := e.Submit(ctx, order("usr_s", book.SideSell, book.TypeLimit, 19, 5))
	require.NoError(t, err)
	_, err = e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeLimit, 22, 5))
	require.NoError(t, err)
	_, err = e.Submit(ctx, order("usr_s", book.SideSell, book.TypeLimit, 21, 2))
	require.NoError(t, err)
	_, err = e.Submit(ctx, order("usr_b", book.SideBuy, book.TypeLimit, 21, 2))
	require.NoError(t, err)

	s, err := e.PriceSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(21), s.Last)
	assert.Equal(t, int64(19), s.Open)
	assert.Equal(t, int64(21), s.High)
	assert.Equal(t, int64(19), s.Low)
	assert.Equal(t, int64(7), s.Volume)
	assert.Equal(t, int64(2), s.Change)
	assert.Equal(t, int64(1052), s.ChangePct) // 2/19 in basis points
}

func TestRecordExternalFill(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()

	err := e.RecordExternalFill(ctx, &book.Trade{
		BuyOrderID: "ipo_direct",
		BuyerUID:   "usr_a",
		Price:      20,
		Qty:        10,
	})
	require.NoError(t, err)
	require.Len(t, fx.store.trades, 1)
	assert.Contains(t, fx.store.trades[0].ID, "trd_")

	s, _ := e.PriceSummary(ctx)
	assert.Equal(t, int64(10), s.Volume)
}

func TestEngineStopped(t *testing.T) {
	fx := &fixtures{
		ledger:   newFakeLedger(),
		escrows:  newFakeEscrows(),
		holdings: newFakeHoldings(),
		store:    newFakeStore(),
		cfg:      market.NewMemoryStore(seedCfg()),
	}
	e := New(Config{
		Market: fx.cfg, Ledger: fx.ledger, Escrows: fx.escrows,
		Holdings: fx.holdings, Orders: fx.store, Trades: fx.store, RefPrice: 20,
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()
	<-e.stopped

	_, err := e.Submit(context.Background(), order("usr_a", book.SideBuy, book.TypeLimit, 20, 1))
	assert.ErrorIs(t, err, ErrEngineStopped)
}
