package holdings

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory holdings store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	holdings map[string]*Holding
}

// NewMemoryStore creates a new in-memory holdings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holdings: make(map[string]*Holding)}
}

func (m *MemoryStore) Holding(ctx context.Context, uid string) (*Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.holdings[uid]; ok {
		cp := *h
		return &cp, nil
	}
	// A user with no position has an implicit zero holding.
	return &Holding{UID: uid}, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Holding, 0, len(m.holdings))
	for _, h := range m.holdings {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *MemoryStore) ApplyBuy(ctx context.Context, uid string, qty, cost int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.getOrCreate(uid)
	h.Shares += qty
	h.CostBasis += cost
	return nil
}

func (m *MemoryStore) LockShares(ctx context.Context, uid string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holdings[uid]
	if !ok || h.Available() < qty {
		return ErrInsufficientShares
	}
	h.Locked += qty
	return nil
}

func (m *MemoryStore) UnlockShares(ctx context.Context, uid string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holdings[uid]
	if !ok || h.Locked < qty {
		return ErrInsufficientShares
	}
	h.Locked -= qty
	return nil
}

func (m *MemoryStore) ApplySell(ctx context.Context, uid string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holdings[uid]
	if !ok || h.Locked < qty || h.Shares < qty {
		return ErrInsufficientShares
	}
	// Shrink the cost basis pro rata so the average cost is unchanged.
	h.CostBasis -= h.CostBasis * qty / h.Shares
	h.Shares -= qty
	h.Locked -= qty
	if h.Shares == 0 {
		h.CostBasis = 0
	}
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, uid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holdings[uid]
	if !ok {
		return 0, nil
	}
	shares := h.Shares
	h.Shares = 0
	h.Locked = 0
	h.CostBasis = 0
	return shares, nil
}

func (m *MemoryStore) getOrCreate(uid string) *Holding {
	h, ok := m.holdings[uid]
	if !ok {
		h = &Holding{UID: uid}
		m.holdings[uid] = h
	}
	return h
}
