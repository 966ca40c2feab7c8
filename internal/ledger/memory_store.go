package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests. All guarded mutations run under one mutex, which makes the
// check-and-decrement atomic by construction.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byName   map[string]string // username -> uid
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byName:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.UID]; ok {
		return ErrDuplicateUser
	}
	key := strings.ToLower(acct.Username)
	if _, ok := m.byName[key]; ok {
		return ErrDuplicateUser
	}
	cp := *acct
	m.accounts[acct.UID] = &cp
	m.byName[key] = acct.UID
	return nil
}

func (m *MemoryStore) Account(ctx context.Context, uid string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(uid)
}

func (m *MemoryStore) AccountByUsername(ctx context.Context, username string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uid, ok := m.byName[strings.ToLower(username)]
	if !ok {
		return nil, ErrUnknownUser
	}
	return m.getLocked(uid)
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, uid string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return 0, ErrUnknownUser
	}
	acct.Points += amount
	acct.UpdatedAt = time.Now().UTC()
	return acct.Points, nil
}

func (m *MemoryStore) DebitChecked(ctx context.Context, uid string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return 0, ErrUnknownUser
	}
	if acct.Points < amount {
		return 0, ErrInsufficientPoints
	}
	acct.Points -= amount
	acct.UpdatedAt = time.Now().UTC()
	return acct.Points, nil
}

func (m *MemoryStore) MoveToEscrow(ctx context.Context, uid string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownUser
	}
	if acct.Points < amount {
		return ErrInsufficientPoints
	}
	acct.Points -= amount
	acct.Escrow += amount
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ReleaseFromEscrow(ctx context.Context, uid string, escrowAmt, actualSpend int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownUser
	}
	if acct.Escrow < escrowAmt {
		return ErrInsufficientEscrow
	}
	acct.Escrow -= escrowAmt
	acct.Points += escrowAmt - actualSpend
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ConsumeEscrow(ctx context.Context, uid string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownUser
	}
	if acct.Escrow < amount {
		return ErrInsufficientEscrow
	}
	acct.Escrow -= amount
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, fromUID, toUID string, amount, fee int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.accounts[fromUID]
	if !ok {
		return ErrUnknownUser
	}
	to, ok := m.accounts[toUID]
	if !ok {
		return ErrUnknownUser
	}
	total := amount + fee
	if from.Points < total {
		return ErrInsufficientPoints
	}
	now := time.Now().UTC()
	from.Points -= total
	from.UpdatedAt = now
	to.Points += amount
	to.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetEnabled(ctx context.Context, uid string, enabled bool) error {
	return m.mutate(uid, func(a *Account) { a.Enabled = enabled })
}

func (m *MemoryStore) SetFrozen(ctx context.Context, uid string, frozen bool) error {
	return m.mutate(uid, func(a *Account) { a.Frozen = frozen })
}

func (m *MemoryStore) AdjustOwed(ctx context.Context, uid string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return 0, ErrUnknownUser
	}
	acct.Owed += delta
	if acct.Owed < 0 {
		acct.Owed = 0
	}
	if acct.Owed > 0 {
		acct.Frozen = true
	}
	acct.UpdatedAt = time.Now().UTC()
	return acct.Owed, nil
}

func (m *MemoryStore) SetBalances(ctx context.Context, uid string, points, escrow int64) error {
	return m.mutate(uid, func(a *Account) {
		a.Points = points
		a.Escrow = escrow
	})
}

func (m *MemoryStore) AppendEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, uid string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UID == uid {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HistoryBefore(ctx context.Context, uid string, before time.Time, beforeID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	seen := beforeID == ""
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.UID != uid {
			continue
		}
		if !seen {
			if e.ID == beforeID {
				seen = true
			}
			continue
		}
		if !before.IsZero() && e.CreatedAt.After(before) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SumDeltas(ctx context.Context, skip map[Kind]bool) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]int64)
	for _, e := range m.entries {
		if skip[e.Kind] {
			continue
		}
		sums[e.UID] += e.Delta
	}
	return sums, nil
}

func (m *MemoryStore) getLocked(uid string) (*Account, error) {
	acct, ok := m.accounts[uid]
	if !ok {
		return nil, ErrUnknownUser
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) mutate(uid string, fn func(*Account)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownUser
	}
	fn(acct)
	acct.UpdatedAt = time.Now().UTC()
	return nil
}
