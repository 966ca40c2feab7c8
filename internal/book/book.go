// Package book holds the limit order book for the single camp instrument.
//
// Two sides: bids sorted by descending price, asks by ascending price;
// ties break by creation time, then by insertion sequence so iteration is
// stable under equal timestamps. The book is plain data with no locking —
// the matching engine owns it and serializes all access through its worker.
package book

import (
	"errors"
	"sort"
	"time"
)

var ErrOrderNotFound = errors.New("order not found")

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Order is a buy or sell instruction. Market orders carry no price and are
// never inserted into the book.
type Order struct {
	ID           string     `json:"id"`
	UID          string     `json:"uid"`
	Side         Side       `json:"side"`
	Type         OrderType  `json:"type"`
	QtyOriginal  int64      `json:"qtyOriginal"`
	QtyRemaining int64      `json:"qtyRemaining"`
	Price        int64      `json:"price,omitempty"` // zero for market orders
	Status       Status     `json:"status"`
	EscrowID     string     `json:"escrowId,omitempty"` // buy-side point reservation
	Spent        int64      `json:"spent"`              // points consumed by fills (buy side)
	CreatedAt    time.Time  `json:"createdAt"`
	ExecutedAt   *time.Time `json:"executedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`

	seq uint64 // insertion sequence, tiebreak after CreatedAt
}

// Resting reports whether the order is (or may be) on the book.
func (o *Order) Resting() bool {
	return (o.Status == StatusPending || o.Status == StatusPartial) && o.QtyRemaining > 0
}

// Terminal reports whether the order is in a final state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Trade is an immutable fill record. SellOrderID is empty for fills taken
// from the IPO pool.
type Trade struct {
	ID          string    `json:"id"`
	BuyOrderID  string    `json:"buyOrderId"`
	SellOrderID string    `json:"sellOrderId,omitempty"`
	BuyerUID    string    `json:"buyerUid"`
	SellerUID   string    `json:"sellerUid,omitempty"`
	Price       int64     `json:"price"`
	Qty         int64     `json:"qty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Level is one aggregated price level of the depth view.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Book is the two-sided resting order container.
type Book struct {
	bids    []*Order // descending price, then time, then seq
	asks    []*Order // ascending price, then time, then seq
	byID    map[string]*Order
	nextSeq uint64
}

// New creates an empty book.
func New() *Book {
	return &Book{byID: make(map[string]*Order)}
}

// Insert places a limit order onto its side, keeping sort order.
func (b *Book) Insert(o *Order) {
	b.nextSeq++
	o.seq = b.nextSeq
	b.byID[o.ID] = o

	if o.Side == SideBuy {
		i := sort.Search(len(b.bids), func(i int) bool { return bidAfter(b.bids[i], o) })
		b.bids = append(b.bids, nil)
		copy(b.bids[i+1:], b.bids[i:])
		b.bids[i] = o
		return
	}
	i := sort.Search(len(b.asks), func(i int) bool { return askAfter(b.asks[i], o) })
	b.asks = append(b.asks, nil)
	copy(b.asks[i+1:], b.asks[i:])
	b.asks[i] = o
}

// Remove takes an order off the book by ID.
func (b *Book) Remove(orderID string) (*Order, error) {
	o, ok := b.byID[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	delete(b.byID, orderID)

	side := &b.asks
	if o.Side == SideBuy {
		side = &b.bids
	}
	for i, cur := range *side {
		if cur.ID == orderID {
			*side = append((*side)[:i], (*side)[i+1:]...)
			break
		}
	}
	return o, nil
}

// Get returns a resting order by ID, or nil.
func (b *Book) Get(orderID string) *Order { return b.byID[orderID] }

// Best returns the top of the given side, or nil when empty.
func (b *Book) Best(side Side) *Order {
	if side == SideBuy {
		if len(b.bids) == 0 {
			return nil
		}
		return b.bids[0]
	}
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Orders returns the side's resting orders in priority order. The returned
// slice is a copy; the orders are not.
func (b *Book) Orders(side Side) []*Order {
	src := b.asks
	if side == SideBuy {
		src = b.bids
	}
	out := make([]*Order, len(src))
	copy(out, src)
	return out
}

// Depth aggregates qty_remaining per price over the top levels of each side.
func (b *Book) Depth(levels int) (bids, asks []Level) {
	if levels <= 0 {
		levels = 5
	}
	return aggregate(b.bids, levels), aggregate(b.asks, levels)
}

// Len returns the number of resting orders on both sides.
func (b *Book) Len() int { return len(b.byID) }

func aggregate(orders []*Order, levels int) []Level {
	out := []Level{}
	for _, o := range orders {
		if n := len(out); n > 0 && out[n-1].Price == o.Price {
			out[n-1].Qty += o.QtyRemaining
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, Level{Price: o.Price, Qty: o.QtyRemaining})
	}
	return out
}

// bidAfter reports whether existing should sort after incoming on the bid
// side (higher price first, then older, then lower seq).
func bidAfter(existing, incoming *Order) bool {
	if existing.Price != incoming.Price {
		return existing.Price < incoming.Price
	}
	return laterTime(existing, incoming)
}

func askAfter(existing, incoming *Order) bool {
	if existing.Price != incoming.Price {
		return existing.Price > incoming.Price
	}
	return laterTime(existing, incoming)
}

func laterTime(existing, incoming *Order) bool {
	if !existing.CreatedAt.Equal(incoming.CreatedAt) {
		return existing.CreatedAt.After(incoming.CreatedAt)
	}
	return existing.seq > incoming.seq
}
