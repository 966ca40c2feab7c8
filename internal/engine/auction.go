package engine

import (
	"context"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/events"
)

// AuctionResult reports the outcome of a call auction.
type AuctionResult struct {
	ClearingPrice int64         `json:"clearingPrice"`
	Volume        int64         `json:"volume"`
	Trades        []*book.Trade `json:"trades"`
}

// RunCallAuction clears the crossed region of the book at a single price.
//
// The clearing price maximizes executable volume over all resting limit
// prices; ties break toward the reference price, then toward the midpoint
// of the best bid and ask. Every auction fill executes at the clearing
// price regardless of maker price. A book with no crossed volume returns a
// zero-volume result and leaves everything resting.
func (e *Engine) RunCallAuction(ctx context.Context) (*AuctionResult, error) {
	var (
		res *AuctionResult
		err error
	)
	derr := e.do(ctx, func(ctx context.Context) {
		res, err = e.runAuction(ctx)
	})
	if derr != nil {
		return nil, derr
	}
	return res, err
}

func (e *Engine) runAuction(ctx context.Context) (*AuctionResult, error) {
	bids := e.bk.Orders(book.SideBuy)
	asks := e.bk.Orders(book.SideSell)

	price, volume := clearingPrice(bids, asks, e.refPrice)
	if volume == 0 {
		return &AuctionResult{}, nil
	}

	res := &AuctionResult{ClearingPrice: price}
	for {
		bid := e.bk.Best(book.SideBuy)
		ask := e.bk.Best(book.SideSell)
		if bid == nil || ask == nil || bid.Price < price || ask.Price > price {
			break
		}
		if bid.UID == ask.UID {
			// Same-user cross clears nothing; drop the younger order.
			drop := ask
			if laterOrder(bid, ask) {
				drop = bid
			}
			if _, err := e.cancelResting(ctx, drop.ID, "self_match"); err != nil {
				return res, err
			}
			continue
		}

		qty := bid.QtyRemaining
		if ask.QtyRemaining < qty {
			qty = ask.QtyRemaining
		}
		trade, err := e.fill(ctx, bid, ask, price, qty)
		if err != nil {
			return res, err
		}
		res.Trades = append(res.Trades, trade)
		res.Volume += qty

		for _, o := range []*book.Order{bid, ask} {
			if o.QtyRemaining == 0 {
				if _, rerr := e.bk.Remove(o.ID); rerr == nil {
					restingOrders.Set(float64(e.bk.Len()))
				}
				if serr := e.settleTerminal(ctx, o); serr != nil {
					e.logger.Error("CRITICAL: auction settlement failed",
						"orderId", o.ID, "uid", o.UID, "error", serr)
				}
			}
			if uerr := e.orders.Update(ctx, o); uerr != nil {
				e.logger.Error("order persist failed", "orderId", o.ID, "error", uerr)
			}
		}
	}

	e.logger.Info("call auction cleared",
		"price", res.ClearingPrice, "volume", res.Volume, "trades", len(res.Trades))
	e.publish(events.TopicPriceUpdated, "", map[string]any{
		"price":   res.ClearingPrice,
		"volume":  res.Volume,
		"auction": true,
	})
	return res, nil
}

// clearingPrice evaluates executable volume at every resting limit price
// and picks the maximizer, breaking ties by closeness to ref and then to
// the pre-auction midpoint.
func clearingPrice(bids, asks []*book.Order, ref int64) (price, volume int64) {
	if len(bids) == 0 || len(asks) == 0 {
		return 0, 0
	}

	seen := make(map[int64]bool)
	var candidates []int64
	for _, o := range bids {
		if !seen[o.Price] {
			seen[o.Price] = true
			candidates = append(candidates, o.Price)
		}
	}
	for _, o := range asks {
		if !seen[o.Price] {
			seen[o.Price] = true
			candidates = append(candidates, o.Price)
		}
	}

	// Midpoint doubled to stay in integers.
	mid2 := bids[0].Price + asks[0].Price

	for _, p := range candidates {
		var demand, supply int64
		for _, o := range bids {
			if o.Price >= p {
				demand += o.QtyRemaining
			}
		}
		for _, o := range asks {
			if o.Price <= p {
				supply += o.QtyRemaining
			}
		}
		v := demand
		if supply < v {
			v = supply
		}
		if v == 0 {
			continue
		}
		if v > volume || (v == volume && closer(p, price, ref, mid2)) {
			price, volume = p, v
		}
	}
	return price, volume
}

// closer reports whether candidate beats current on the tiebreak chain:
// distance to ref, then distance to the doubled midpoint.
func closer(candidate, current, ref, mid2 int64) bool {
	cd, xd := absDiff(candidate, ref), absDiff(current, ref)
	if cd != xd {
		return cd < xd
	}
	return absDiff(2*candidate, mid2) < absDiff(2*current, mid2)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func laterOrder(a, b *book.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return false
}
