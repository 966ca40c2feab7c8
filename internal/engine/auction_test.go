package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campex/campex/internal/book"
)

// rest places orders directly on the book through the worker, bypassing
// continuous matching, the way a pre-open book accumulates.
func rest(t *testing.T, e *Engine, orders ...*book.Order) {
	t.Helper()
	err := e.do(context.Background(), func(context.Context) {
		for _, o := range orders {
			e.bk.Insert(o)
		}
	})
	require.NoError(t, err)
}

func at(base time.Time, offset time.Duration, o *book.Order) *book.Order {
	o.CreatedAt = base.Add(offset)
	return o
}

func TestRunCallAuction_ClearsAtSinglePrice(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	ctx := context.Background()
	base := time.Now().UTC()

	b1 := at(base, 0, order("usr_1", book.SideBuy, book.TypeLimit, 22, 10))
	b2 := at(base, time.Second, order("usr_2", book.SideBuy, book.TypeLimit, 20, 5))
	a1 := at(base, 2*time.Second, order("usr_3", book.SideSell, book.TypeLimit, 18, 8))
	a2 := at(base, 3*time.Second, order("usr_4", book.SideSell, book.TypeLimit, 21, 10))
	rest(t, e, b1, b2, a1, a2)

	res, err := e.RunCallAuction(ctx)
	require.NoError(t, err)

	// Volume maximizes at 10 for prices 21 and 22; 21 is closer to ref 20.
	assert.Equal(t, int64(21), res.ClearingPrice)
	assert.Equal(t, int64(10), res.Volume)
	require.Len(t, res.Trades, 2)
	for _, tr := range res.Trades {
		assert.Equal(t, int64(21), tr.Price, "every auction fill executes at the clearing price")
	}
	assert.Equal(t, int64(8), res.Trades[0].Qty)
	assert.Equal(t, "usr_3", res.Trades[0].SellerUID)
	assert.Equal(t, int64(2), res.Trades[1].Qty)
	assert.Equal(t, "usr_4", res.Trades[1].SellerUID)

	// usr_1 bought 10 at 21.
	assert.Equal(t, int64(210), fx.escrows.consumed[b1.EscrowID])
	assert.Equal(t, int64(10), fx.holdings.bought["usr_1"])

	// Uncrossed remainder keeps resting: usr_2's bid and usr_4's 8 leftover.
	bids, asks, _ := e.Depth(ctx, 5)
	require.Len(t, bids, 1)
	assert.Equal(t, book.Level{Price: 20, Qty: 5}, bids[0])
	require.Len(t, asks, 1)
	assert.Equal(t, book.Level{Price: 21, Qty: 8}, asks[0])

	ref, _ := e.RefPrice(ctx)
	assert.Equal(t, int64(21), ref)
}

func TestRunCallAuction_TiebreakTowardRef(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	base := time.Now().UTC()

	rest(t, e,
		at(base, 0, order("usr_1", book.SideBuy, book.TypeLimit, 22, 5)),
		at(base, time.Second, order("usr_2", book.SideSell, book.TypeLimit, 17, 5)),
	)

	res, err := e.RunCallAuction(context.Background())
	require.NoError(t, err)
	// Both 22 and 17 clear 5 shares; 22 is 2 away from ref, 17 is 3.
	assert.Equal(t, int64(22), res.ClearingPrice)
	assert.Equal(t, int64(5), res.Volume)
}

func TestRunCallAuction_TiebreakTowardMidpoint(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	base := time.Now().UTC()

	rest(t, e,
		at(base, 0, order("usr_1", book.SideBuy, book.TypeLimit, 24, 2)),
		at(base, time.Second, order("usr_1", book.SideBuy, book.TypeLimit, 22, 3)),
		at(base, 2*time.Second, order("usr_2", book.SideSell, book.TypeLimit, 18, 5)),
	)

	res, err := e.RunCallAuction(context.Background())
	require.NoError(t, err)
	// 22 and 18 both clear 5 and sit 2 from ref; the pre-auction midpoint
	// (24+18)/2 = 21 favors 22.
	assert.Equal(t, int64(22), res.ClearingPrice)
	assert.Equal(t, int64(5), res.Volume)
}

func TestRunCallAuction_SameUserCrossDropsYounger(t *testing.T) {
	e, fx := newTestEngine(t, seedCfg(), 20)
	base := time.Now().UTC()

	ownBid := at(base, 0, order("usr_1", book.SideBuy, book.TypeLimit, 22, 5))
	ownAsk := at(base, time.Second, order("usr_1", book.SideSell, book.TypeLimit, 20, 5))
	otherAsk := at(base, 2*time.Second, order("usr_2", book.SideSell, book.TypeLimit, 20, 5))
	rest(t, e, ownBid, ownAsk, otherAsk)

	res, err := e.RunCallAuction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.ClearingPrice)
	assert.Equal(t, int64(5), res.Volume)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "usr_2", res.Trades[0].SellerUID)

	// usr_1's ask (the younger of the crossing pair) was cancelled and its
	// locked shares released; the older bid cleared against usr_2.
	stored := fx.store.orders[ownAsk.ID]
	require.NotNil(t, stored)
	assert.Equal(t, book.StatusCancelled, stored.Status)
	assert.Equal(t, "self_match", stored.CancelReason)
	assert.Equal(t, int64(5), fx.holdings.unlocked["usr_1"])
}

func TestRunCallAuction_NoCrossLeavesBookUntouched(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	base := time.Now().UTC()

	rest(t, e,
		at(base, 0, order("usr_1", book.SideBuy, book.TypeLimit, 18, 5)),
		at(base, time.Second, order("usr_2", book.SideSell, book.TypeLimit, 22, 5)),
	)

	res, err := e.RunCallAuction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.ClearingPrice)
	assert.Equal(t, int64(0), res.Volume)
	assert.Empty(t, res.Trades)

	bids, asks, _ := e.Depth(context.Background(), 5)
	assert.Len(t, bids, 1)
	assert.Len(t, asks, 1)
}

func TestRunCallAuction_EmptyBook(t *testing.T) {
	e, _ := newTestEngine(t, seedCfg(), 20)
	res, err := e.RunCallAuction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Volume)
}
