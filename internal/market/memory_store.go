package market

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory config store for demo/development mode.
type MemoryStore struct {
	mu  sync.RWMutex
	cfg Config
}

// NewMemoryStore creates a config store seeded with the given config.
func NewMemoryStore(seed Config) *MemoryStore {
	seed.UpdatedAt = time.Now().UTC()
	return &MemoryStore{cfg: seed}
}

func (m *MemoryStore) Get(ctx context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.cfg
	cp.Windows = append([]Window(nil), m.cfg.Windows...)
	if m.cfg.ManualOverride != nil {
		v := *m.cfg.ManualOverride
		cp.ManualOverride = &v
	}
	return &cp, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, fn func(*Config) error) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := m.cfg
	cp.Windows = append([]Window(nil), m.cfg.Windows...)
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	m.cfg = cp

	out := cp
	return &out, nil
}

func (m *MemoryStore) DecrementIPOShares(ctx context.Context, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.IPOSharesRemaining < qty {
		return ErrInsufficientIPO
	}
	m.cfg.IPOSharesRemaining -= qty
	m.cfg.UpdatedAt = time.Now().UTC()
	return nil
}
