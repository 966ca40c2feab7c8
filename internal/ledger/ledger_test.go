package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore(), nil)
}

func mustCreate(t *testing.T, l *Ledger, uid, username string, grant int64) *Account {
	t.Helper()
	acct, err := l.CreateAccount(context.Background(), &Account{UID: uid, Username: username}, grant)
	require.NoError(t, err)
	return acct
}

func TestCreateAccount(t *testing.T) {
	l := newTestLedger(t)
	acct := mustCreate(t, l, "usr_a", "alice", 100)

	assert.Equal(t, int64(100), acct.Points)
	assert.True(t, acct.Enabled)

	history, err := l.History(context.Background(), "usr_a", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, KindAdminGrant, history[0].Kind)
	assert.Equal(t, int64(100), history[0].Delta)
}

func TestCreateAccount_Duplicate(t *testing.T) {
	l := newTestLedger(t)
	mustCreate(t, l, "usr_a", "alice", 0)

	_, err := l.CreateAccount(context.Background(), &Account{UID: "usr_b", Username: "alice"}, 0)
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestCreateAccount_MissingFields(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.CreateAccount(context.Background(), &Account{UID: "usr_a"}, 0)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	l := newTestLedger(t)
	mustCreate(t, l, "usr_a", "alice", 0)

	acct, err := l.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "usr_a", acct.UID)

	_, err = l.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestCreditAndDebit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)

	after, err := l.Credit(ctx, "usr_a", 50, KindTradeSell, "sold 5 @ 10")
	require.NoError(t, err)
	assert.Equal(t, int64(150), after)

	after, err = l.DebitChecked(ctx, "usr_a", 30, KindFee, "transfer fee")
	require.NoError(t, err)
	assert.Equal(t, int64(120), after)
}

func TestDebitChecked_InsufficientPoints(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 10)

	_, err := l.DebitChecked(ctx, "usr_a", 11, KindFee, "")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	// Balance unchanged, no entry appended.
	acct, err := l.Account(ctx, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Points)
	history, _ := l.History(ctx, "usr_a", 10)
	assert.Len(t, history, 1) // only the initial grant
}

func TestCredit_InvalidAmount(t *testing.T) {
	l := newTestLedger(t)
	mustCreate(t, l, "usr_a", "alice", 10)

	_, err := l.Credit(context.Background(), "usr_a", 0, KindAdminGrant, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Credit(context.Background(), "usr_a", -5, KindAdminGrant, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEscrowRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)

	require.NoError(t, l.ReserveEscrow(ctx, "usr_a", 60, "order ord_1"))

	acct, err := l.Account(ctx, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Points)
	assert.Equal(t, int64(60), acct.Escrow)

	// Spend 45, refund 15.
	require.NoError(t, l.ReleaseEscrow(ctx, "usr_a", 60, 45, "order ord_1 done"))

	acct, err = l.Account(ctx, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, int64(55), acct.Points)
	assert.Equal(t, int64(0), acct.Escrow)
}

func TestReserveEscrow_InsufficientPoints(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 10)

	err := l.ReserveEscrow(ctx, "usr_a", 11, "")
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestConsumeEscrow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)
	require.NoError(t, l.ReserveEscrow(ctx, "usr_a", 50, ""))

	require.NoError(t, l.ConsumeEscrow(ctx, "usr_a", 20))
	acct, _ := l.Account(ctx, "usr_a")
	assert.Equal(t, int64(30), acct.Escrow)

	err := l.ConsumeEscrow(ctx, "usr_a", 31)
	assert.ErrorIs(t, err, ErrInsufficientEscrow)
}

func TestReleaseFromEscrow_Validation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)

	assert.ErrorIs(t, l.ReleaseFromEscrow(ctx, "usr_a", 10, 11), ErrInvalidAmount)
	assert.ErrorIs(t, l.ReleaseFromEscrow(ctx, "usr_a", -1, 0), ErrInvalidAmount)
	assert.NoError(t, l.ReleaseFromEscrow(ctx, "usr_a", 0, 0)) // no-op
}

func TestCredit_RetiresDebtFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 0)

	_, err := l.Store().AdjustOwed(ctx, "usr_a", 30)
	require.NoError(t, err)
	require.NoError(t, l.Store().SetFrozen(ctx, "usr_a", true))

	// 50 credit: 30 retires debt, 20 lands in points, user unfrozen.
	_, err = l.Credit(ctx, "usr_a", 50, KindPvpWin, "arcade win")
	require.NoError(t, err)

	acct, err := l.Account(ctx, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), acct.Points)
	assert.Equal(t, int64(0), acct.Owed)
	assert.False(t, acct.Frozen)
}

func TestCredit_PartialDebtRepayment(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 0)

	_, err := l.Store().AdjustOwed(ctx, "usr_a", 100)
	require.NoError(t, err)
	require.NoError(t, l.Store().SetFrozen(ctx, "usr_a", true))

	_, err = l.Credit(ctx, "usr_a", 40, KindAdminGrant, "")
	require.NoError(t, err)

	acct, _ := l.Account(ctx, "usr_a")
	assert.Equal(t, int64(0), acct.Points)
	assert.Equal(t, int64(60), acct.Owed)
	assert.True(t, acct.Frozen, "partial repayment keeps the freeze")
}

// racingOwedStore lands a concurrent points credit while a debt repayment
// is in flight.
type racingOwedStore struct {
	Store
	onAdjust func()
}

func (s *racingOwedStore) AdjustOwed(ctx context.Context, uid string, delta int64) (int64, error) {
	n, err := s.Store.AdjustOwed(ctx, uid, delta)
	if s.onAdjust != nil {
		s.onAdjust()
	}
	return n, err
}

func TestCredit_FullyAbsorbedReturnsLiveBalance(t *testing.T) {
	mem := NewMemoryStore()
	store := &racingOwedStore{Store: mem}
	l := New(store, nil)
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, &Account{UID: "usr_a", Username: "alice"}, 40)
	require.NoError(t, err)
	_, err = mem.AdjustOwed(ctx, "usr_a", 50)
	require.NoError(t, err)

	// Another 15 points arrive while the repayment runs.
	store.onAdjust = func() {
		store.onAdjust = nil
		_, err := mem.Credit(ctx, "usr_a", 15)
		require.NoError(t, err)
	}

	// 30 is fully absorbed by the 50 owed; the returned balance must be
	// the store's current points, not the pre-repayment read.
	after, err := l.Credit(ctx, "usr_a", 30, KindAdminGrant, "")
	require.NoError(t, err)
	assert.Equal(t, int64(55), after)

	acct, _ := l.Account(ctx, "usr_a")
	assert.Equal(t, int64(55), acct.Points)
	assert.Equal(t, int64(20), acct.Owed)
}

func TestCanSpend(t *testing.T) {
	a := &Account{Enabled: true}
	assert.True(t, a.CanSpend())

	a.Frozen = true
	assert.False(t, a.CanSpend())

	a.Frozen = false
	a.Owed = 1
	assert.False(t, a.CanSpend())

	a.Owed = 0
	a.Enabled = false
	assert.False(t, a.CanSpend())
}

func TestConservationAudit_CleanLedger(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)
	mustCreate(t, l, "usr_b", "bob", 50)

	require.NoError(t, l.ReserveEscrow(ctx, "usr_a", 30, ""))
	_, err := l.Credit(ctx, "usr_b", 25, KindTradeSell, "")
	require.NoError(t, err)

	bad, err := l.ConservationAudit(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestConservationAudit_DetectsDrift(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)

	// Corrupt the balance directly: the repair path is the only legal caller.
	require.NoError(t, l.Store().SetBalances(ctx, "usr_a", 120, 0))

	bad, err := l.ConservationAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_a"}, bad)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 10)

	for i := 0; i < 5; i++ {
		_, err := l.Credit(ctx, "usr_a", 1, KindArcadeAdjust, "tick")
		require.NoError(t, err)
	}

	entries, err := l.History(ctx, "usr_a", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].CreatedAt.After(entries[i-1].CreatedAt))
	}
}

func TestTransfer_AtomicStorePath(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustCreate(t, l, "usr_a", "alice", 100)
	mustCreate(t, l, "usr_b", "bob", 0)

	require.NoError(t, l.Store().Transfer(ctx, "usr_a", "usr_b", 40, 2))

	a, _ := l.Account(ctx, "usr_a")
	b, _ := l.Account(ctx, "usr_b")
	assert.Equal(t, int64(58), a.Points)
	assert.Equal(t, int64(40), b.Points)
}
