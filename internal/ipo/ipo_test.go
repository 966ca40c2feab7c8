package ipo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/holdings"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/market"
)

type fakeRecorder struct {
	trades []*book.Trade
}

func (f *fakeRecorder) RecordExternalFill(ctx context.Context, t *book.Trade) error {
	f.trades = append(f.trades, t)
	return nil
}

type stubGate struct{ open bool }

func (g *stubGate) IsOpen(ctx context.Context) (bool, error) { return g.open, nil }

type nopBus struct{}

func (nopBus) Publish(topic events.Topic, uid string, payload map[string]any) {}

type fixture struct {
	svc    *Service
	ledger *ledger.Ledger
	hold   *holdings.Service
	cfg    market.Store
	rec    *fakeRecorder
	gate   *stubGate
}

func newFixture(t *testing.T, pool int64) *fixture {
	t.Helper()
	fx := &fixture{
		ledger: ledger.New(ledger.NewMemoryStore(), nil),
		hold:   holdings.NewService(holdings.NewMemoryStore()),
		cfg:    market.NewMemoryStore(market.Config{IPOPrice: 20, IPOSharesRemaining: pool}),
		rec:    &fakeRecorder{},
		gate:   &stubGate{open: true},
	}
	fx.svc = NewService(fx.cfg, fx.ledger, fx.hold, fx.rec, fx.gate, nopBus{}, nil)
	return fx
}

func (f *fixture) fund(t *testing.T, uid string, points int64) {
	t.Helper()
	_, err := f.ledger.CreateAccount(context.Background(),
		&ledger.Account{UID: uid, Username: uid}, points)
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, 50)
	st, err := fx.svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.Price)
	assert.Equal(t, int64(50), st.SharesRemaining)
}

func TestBuy(t *testing.T) {
	fx := newFixture(t, 50)
	fx.fund(t, "usr_a", 100)
	ctx := context.Background()

	p, err := fx.svc.Buy(ctx, "usr_a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(60), p.Cost)
	assert.Equal(t, int64(40), p.Points)

	h, _ := fx.hold.Holding(ctx, "usr_a")
	assert.Equal(t, int64(3), h.Shares)
	assert.Equal(t, int64(60), h.CostBasis)

	cfg, _ := fx.cfg.Get(ctx)
	assert.Equal(t, int64(47), cfg.IPOSharesRemaining)

	require.Len(t, fx.rec.trades, 1)
	assert.Equal(t, int64(20), fx.rec.trades[0].Price)
	assert.Equal(t, int64(3), fx.rec.trades[0].Qty)
	assert.Equal(t, "usr_a", fx.rec.trades[0].BuyerUID)
}

func TestBuy_MarketClosed(t *testing.T) {
	fx := newFixture(t, 50)
	fx.fund(t, "usr_a", 100)
	fx.gate.open = false

	_, err := fx.svc.Buy(context.Background(), "usr_a", 1)
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestBuy_InvalidQty(t *testing.T) {
	fx := newFixture(t, 50)
	_, err := fx.svc.Buy(context.Background(), "usr_a", 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestBuy_PoolExhausted(t *testing.T) {
	fx := newFixture(t, 2)
	fx.fund(t, "usr_a", 100)

	_, err := fx.svc.Buy(context.Background(), "usr_a", 3)
	assert.ErrorIs(t, err, market.ErrInsufficientIPO)

	cfg, _ := fx.cfg.Get(context.Background())
	assert.Equal(t, int64(2), cfg.IPOSharesRemaining)
}

func TestBuy_InsufficientPointsReturnsShares(t *testing.T) {
	fx := newFixture(t, 50)
	fx.fund(t, "usr_a", 10)
	ctx := context.Background()

	_, err := fx.svc.Buy(ctx, "usr_a", 1) // costs 20
	assert.ErrorIs(t, err, ledger.ErrInsufficientPoints)

	// The decremented share came back.
	cfg, _ := fx.cfg.Get(ctx)
	assert.Equal(t, int64(50), cfg.IPOSharesRemaining)

	acct, _ := fx.ledger.Account(ctx, "usr_a")
	assert.Equal(t, int64(10), acct.Points)
}

func TestBuy_FrozenAccount(t *testing.T) {
	fx := newFixture(t, 50)
	fx.fund(t, "usr_a", 100)
	require.NoError(t, fx.ledger.Store().SetFrozen(context.Background(), "usr_a", true))

	_, err := fx.svc.Buy(context.Background(), "usr_a", 1)
	assert.ErrorIs(t, err, ledger.ErrFrozen)
}

func TestReset(t *testing.T) {
	fx := newFixture(t, 50)
	ctx := context.Background()

	st, err := fx.svc.Reset(ctx, 25, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(25), st.Price)
	assert.Equal(t, int64(1000), st.SharesRemaining)

	_, err = fx.svc.Reset(ctx, 0, 10)
	assert.ErrorIs(t, err, market.ErrInvalidConfig)
	_, err = fx.svc.Reset(ctx, 10, -1)
	assert.ErrorIs(t, err, market.ErrInvalidConfig)
}

func i64(v int64) *int64 { return &v }

func TestUpdate_PartialFields(t *testing.T) {
	fx := newFixture(t, 50)
	ctx := context.Background()

	// Price only: the pool is untouched.
	st, err := fx.svc.Update(ctx, i64(30), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(30), st.Price)
	assert.Equal(t, int64(50), st.SharesRemaining)

	// Shares only: the price stays where the last update put it.
	st, err = fx.svc.Update(ctx, nil, i64(200))
	require.NoError(t, err)
	assert.Equal(t, int64(30), st.Price)
	assert.Equal(t, int64(200), st.SharesRemaining)

	st, err = fx.svc.Update(ctx, i64(25), i64(80))
	require.NoError(t, err)
	assert.Equal(t, int64(25), st.Price)
	assert.Equal(t, int64(80), st.SharesRemaining)
}

func TestUpdate_Validation(t *testing.T) {
	fx := newFixture(t, 50)
	ctx := context.Background()

	_, err := fx.svc.Update(ctx, nil, nil)
	assert.ErrorIs(t, err, market.ErrInvalidConfig)
	_, err = fx.svc.Update(ctx, i64(0), nil)
	assert.ErrorIs(t, err, market.ErrInvalidConfig)
	_, err = fx.svc.Update(ctx, nil, i64(-1))
	assert.ErrorIs(t, err, market.ErrInvalidConfig)

	// Nothing changed along the way.
	cfg, _ := fx.cfg.Get(ctx)
	assert.Equal(t, int64(20), cfg.IPOPrice)
	assert.Equal(t, int64(50), cfg.IPOSharesRemaining)
}
