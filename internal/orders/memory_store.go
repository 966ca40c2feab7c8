package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/campex/campex/internal/book"
)

// MemoryStore is an in-memory order/trade store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*book.Order
	trades []*book.Trade
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*book.Order)}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *book.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Order(ctx context.Context, id string) (*book.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *book.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, uid string, limit int) ([]*book.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*book.Order
	for _, o := range m.orders {
		if o.UID == uid {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenByUser(ctx context.Context, uid string) ([]*book.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*book.Order
	for _, o := range m.orders {
		if o.UID == uid && o.Resting() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Append(ctx context.Context, t *book.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.trades = append(m.trades, &cp)
	return nil
}

func (m *MemoryStore) RecentTrades(ctx context.Context, limit int) ([]*book.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*book.Trade, 0, limit)
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.trades[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) TradesByUser(ctx context.Context, uid string, limit int) ([]*book.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*book.Trade, 0, limit)
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if t := m.trades[i]; t.BuyerUID == uid || t.SellerUID == uid {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) LastTrade(ctx context.Context) (*book.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.trades) == 0 {
		return nil, nil
	}
	cp := *m.trades[len(m.trades)-1]
	return &cp, nil
}
