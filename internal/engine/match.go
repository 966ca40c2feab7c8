package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campex/campex/internal/book"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/market"
)

// Submit runs a validated, reserved order through the matcher.
//
// Limit orders must price inside the band; market orders take liquidity up
// to the band edge, then (buys only) fall through to the IPO pool, and any
// residual is cancelled rather than rested. Limit residuals rest.
func (e *Engine) Submit(ctx context.Context, o *book.Order) (*SubmitResult, error) {
	var (
		res *SubmitResult
		err error
	)
	derr := e.do(ctx, func(ctx context.Context) {
		res, err = e.submit(ctx, o)
	})
	if derr != nil {
		return nil, derr
	}
	return res, err
}

func (e *Engine) submit(ctx context.Context, o *book.Order) (*SubmitResult, error) {
	cfg, err := e.cfg.Get(ctx)
	if err != nil {
		return nil, err
	}
	lo, hi := bandRange(e.refPrice, cfg.BandBP)

	if o.Type == book.TypeLimit && (o.Price < lo || o.Price > hi) {
		return nil, fmt.Errorf("%w: price %d, band [%d, %d]", ErrPriceOutOfBand, o.Price, lo, hi)
	}

	// A market order behaves as a limit at the band edge, so every fill it
	// takes stays inside the band.
	limit := o.Price
	if o.Type == book.TypeMarket {
		if o.Side == book.SideBuy {
			limit = hi
		} else {
			limit = lo
		}
	}

	fills, err := e.matchContinuous(ctx, o, limit)
	if err != nil {
		return nil, err
	}

	if o.QtyRemaining > 0 {
		switch {
		case o.Type == book.TypeMarket && o.Side == book.SideBuy:
			ipoFills, err := e.fillFromIPO(ctx, o)
			if err != nil {
				return nil, err
			}
			fills = append(fills, ipoFills...)
			if o.QtyRemaining > 0 {
				e.cancelResidual(ctx, o, CancelReasonUnfilled)
			}
		case o.Type == book.TypeMarket:
			e.cancelResidual(ctx, o, CancelReasonUnfilled)
		default:
			if len(fills) > 0 {
				o.Status = book.StatusPartial
			}
			e.bk.Insert(o)
			restingOrders.Set(float64(e.bk.Len()))
		}
	}

	if o.Terminal() || len(fills) > 0 {
		if o.Terminal() {
			if err := e.settleTerminal(ctx, o); err != nil {
				e.logger.Error("CRITICAL: terminal settlement failed",
					"orderId", o.ID, "uid", o.UID, "error", err)
			}
		}
		if err := e.orders.Update(ctx, o); err != nil {
			e.logger.Error("order persist failed", "orderId", o.ID, "error", err)
		}
	} else if o.Resting() {
		if err := e.orders.Update(ctx, o); err != nil {
			e.logger.Error("order persist failed", "orderId", o.ID, "error", err)
		}
	}

	return &SubmitResult{Order: o, Fills: fills}, nil
}

// matchContinuous crosses the taker against the opposite side at maker
// prices, best price first, FIFO within a price.
func (e *Engine) matchContinuous(ctx context.Context, taker *book.Order, limit int64) ([]*book.Trade, error) {
	opposite := book.SideSell
	if taker.Side == book.SideSell {
		opposite = book.SideBuy
	}

	var fills []*book.Trade
	for taker.QtyRemaining > 0 {
		maker := e.bk.Best(opposite)
		if maker == nil {
			break
		}
		if taker.Side == book.SideBuy && maker.Price > limit {
			break
		}
		if taker.Side == book.SideSell && maker.Price < limit {
			break
		}
		if maker.UID == taker.UID {
			// Self-match: skip is not possible in a price-time book without
			// breaking priority, so cancel the resting side.
			if _, err := e.cancelResting(ctx, maker.ID, "self_match"); err != nil {
				return fills, err
			}
			continue
		}

		qty := taker.QtyRemaining
		if maker.QtyRemaining < qty {
			qty = maker.QtyRemaining
		}

		buy, sell := taker, maker
		if taker.Side == book.SideSell {
			buy, sell = maker, taker
		}
		trade, err := e.fill(ctx, buy, sell, maker.Price, qty)
		if err != nil {
			return fills, err
		}
		fills = append(fills, trade)

		if maker.QtyRemaining == 0 {
			if _, rerr := e.bk.Remove(maker.ID); rerr == nil {
				restingOrders.Set(float64(e.bk.Len()))
			}
			if err := e.settleTerminal(ctx, maker); err != nil {
				e.logger.Error("CRITICAL: maker settlement failed",
					"orderId", maker.ID, "uid", maker.UID, "error", err)
			}
		}
		if err := e.orders.Update(ctx, maker); err != nil {
			e.logger.Error("order persist failed", "orderId", maker.ID, "error", err)
		}
	}
	return fills, nil
}

// fill settles one execution: buyer escrow is consumed, seller is paid,
// holdings move, the trade is recorded. Worker-only.
func (e *Engine) fill(ctx context.Context, buy, sell *book.Order, price, qty int64) (*book.Trade, error) {
	cost := price * qty
	note := fmt.Sprintf("trade %d @ %d", qty, price)

	if buy.EscrowID != "" {
		if err := e.escrows.Consume(ctx, buy.EscrowID, cost); err != nil {
			return nil, fmt.Errorf("consume buyer escrow: %w", err)
		}
	}
	if err := e.ledger.RecordBuySpend(ctx, buy.UID, cost, note); err != nil {
		e.logger.Error("buy entry failed", "uid", buy.UID, "error", err)
	}
	if err := e.ledger.CreditSale(ctx, sell.UID, cost, note); err != nil {
		e.logger.Error("CRITICAL: seller credit failed", "uid", sell.UID, "amount", cost, "error", err)
	}
	if err := e.holdings.ApplyBuy(ctx, buy.UID, qty, cost); err != nil {
		e.logger.Error("CRITICAL: buyer holding update failed", "uid", buy.UID, "error", err)
	}
	if err := e.holdings.ApplySell(ctx, sell.UID, qty); err != nil {
		e.logger.Error("CRITICAL: seller holding update failed", "uid", sell.UID, "error", err)
	}

	now := time.Now().UTC()
	applyFill(buy, qty, now)
	applyFill(sell, qty, now)
	buy.Spent += cost

	trade := &book.Trade{
		ID:          idgen.WithPrefix("trd_"),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerUID:    buy.UID,
		SellerUID:   sell.UID,
		Price:       price,
		Qty:         qty,
		CreatedAt:   now,
	}
	if err := e.trades.Append(ctx, trade); err != nil {
		e.logger.Error("trade persist failed", "tradeId", trade.ID, "error", err)
	}

	e.noteTrade(price, qty)
	e.publish(events.TopicOrderMatched, buy.UID, map[string]any{
		"tradeId":     trade.ID,
		"buyOrderId":  buy.ID,
		"sellOrderId": sell.ID,
		"buyerUid":    buy.UID,
		"sellerUid":   sell.UID,
		"price":       price,
		"qty":         qty,
	})
	e.publishPrice()
	return trade, nil
}

// fillFromIPO fills a market-buy residual from the primary share pool at
// the IPO price. The pool decrement is a guarded conditional update, so a
// concurrent direct IPO purchase can shrink the pool between the read and
// the decrement; the loop retakes with the smaller quantity.
func (e *Engine) fillFromIPO(ctx context.Context, o *book.Order) ([]*book.Trade, error) {
	var fills []*book.Trade
	for o.QtyRemaining > 0 {
		cfg, err := e.cfg.Get(ctx)
		if err != nil {
			return fills, err
		}
		take := o.QtyRemaining
		if cfg.IPOSharesRemaining < take {
			take = cfg.IPOSharesRemaining
		}
		if take <= 0 {
			return fills, nil
		}
		if err := e.cfg.DecrementIPOShares(ctx, take); err != nil {
			if errors.Is(err, market.ErrInsufficientIPO) {
				continue
			}
			return fills, err
		}

		cost := cfg.IPOPrice * take
		note := fmt.Sprintf("ipo fill %d @ %d", take, cfg.IPOPrice)
		if o.EscrowID != "" {
			if err := e.escrows.Consume(ctx, o.EscrowID, cost); err != nil {
				// Reservation cannot cover the IPO price; return the shares
				// and let the residual cancel.
				e.returnIPOShares(ctx, take)
				e.logger.Warn("ipo fill exceeds reservation", "orderId", o.ID, "error", err)
				return fills, nil
			}
		}
		if err := e.ledger.RecordBuySpend(ctx, o.UID, cost, note); err != nil {
			e.logger.Error("buy entry failed", "uid", o.UID, "error", err)
		}
		if err := e.holdings.ApplyBuy(ctx, o.UID, take, cost); err != nil {
			e.logger.Error("CRITICAL: buyer holding update failed", "uid", o.UID, "error", err)
		}

		now := time.Now().UTC()
		applyFill(o, take, now)
		o.Spent += cost

		trade := &book.Trade{
			ID:         idgen.WithPrefix("trd_"),
			BuyOrderID: o.ID,
			BuyerUID:   o.UID,
			Price:      cfg.IPOPrice,
			Qty:        take,
			CreatedAt:  now,
		}
		if err := e.trades.Append(ctx, trade); err != nil {
			e.logger.Error("trade persist failed", "tradeId", trade.ID, "error", err)
		}
		fills = append(fills, trade)

		e.noteTrade(cfg.IPOPrice, take)
		e.publish(events.TopicOrderMatched, o.UID, map[string]any{
			"tradeId":    trade.ID,
			"buyOrderId": o.ID,
			"buyerUid":   o.UID,
			"price":      cfg.IPOPrice,
			"qty":        take,
			"source":     "ipo",
		})
		e.publishPrice()
	}
	return fills, nil
}

func (e *Engine) returnIPOShares(ctx context.Context, qty int64) {
	if _, err := e.cfg.Mutate(ctx, func(c *market.Config) error {
		c.IPOSharesRemaining += qty
		return nil
	}); err != nil {
		e.logger.Error("CRITICAL: ipo share return failed", "qty", qty, "error", err)
	}
}

func applyFill(o *book.Order, qty int64, now time.Time) {
	o.QtyRemaining -= qty
	if o.QtyRemaining == 0 {
		o.Status = book.StatusFilled
		ts := now
		o.ExecutedAt = &ts
	} else {
		o.Status = book.StatusPartial
	}
}

// cancelResidual terminates the unfilled remainder of a taker that never
// rested. Worker-only; the caller persists and settles.
func (e *Engine) cancelResidual(ctx context.Context, o *book.Order, reason string) {
	now := time.Now().UTC()
	o.Status = book.StatusCancelled
	o.CancelledAt = &now
	o.CancelReason = reason
	e.publish(events.TopicOrderCancelled, o.UID, map[string]any{
		"orderId": o.ID,
		"reason":  reason,
		"residual": o.QtyRemaining,
	})
}

// settleTerminal releases whatever reservation backs a finished order:
// the buy-side escrow is completed with the points actually spent (refunding
// the rest), and unsold locked shares are unlocked. Worker-only.
func (e *Engine) settleTerminal(ctx context.Context, o *book.Order) error {
	if o.Side == book.SideBuy && o.EscrowID != "" {
		if o.Spent == 0 {
			return e.escrows.Cancel(ctx, o.EscrowID, o.CancelReason)
		}
		return e.escrows.Complete(ctx, o.EscrowID, o.Spent)
	}
	if o.Side == book.SideSell && o.QtyRemaining > 0 {
		return e.holdings.UnlockShares(ctx, o.UID, o.QtyRemaining)
	}
	return nil
}

// Cancel removes a resting order from the book and releases its reservation.
func (e *Engine) Cancel(ctx context.Context, orderID, reason string) (*book.Order, error) {
	var (
		o   *book.Order
		err error
	)
	derr := e.do(ctx, func(ctx context.Context) {
		o, err = e.cancelResting(ctx, orderID, reason)
	})
	if derr != nil {
		return nil, derr
	}
	return o, err
}

func (e *Engine) cancelResting(ctx context.Context, orderID, reason string) (*book.Order, error) {
	o, err := e.bk.Remove(orderID)
	if err != nil {
		return nil, err
	}
	restingOrders.Set(float64(e.bk.Len()))

	now := time.Now().UTC()
	o.Status = book.StatusCancelled
	o.CancelledAt = &now
	o.CancelReason = reason

	if err := e.settleTerminal(ctx, o); err != nil {
		e.logger.Error("CRITICAL: cancel settlement failed",
			"orderId", o.ID, "uid", o.UID, "error", err)
	}
	if err := e.orders.Update(ctx, o); err != nil {
		e.logger.Error("order persist failed", "orderId", o.ID, "error", err)
	}
	e.publish(events.TopicOrderCancelled, o.UID, map[string]any{
		"orderId": o.ID,
		"reason":  reason,
	})
	return o, nil
}

// CancelAll cancels every resting order with the given reason. Used at
// market close and final settlement.
func (e *Engine) CancelAll(ctx context.Context, reason string) (int, error) {
	var n int
	err := e.do(ctx, func(ctx context.Context) {
		for _, side := range []book.Side{book.SideBuy, book.SideSell} {
			for _, o := range e.bk.Orders(side) {
				if _, err := e.cancelResting(ctx, o.ID, reason); err != nil {
					e.logger.Error("cancel-all order failed", "orderId", o.ID, "error", err)
					continue
				}
				n++
			}
		}
	})
	return n, err
}
