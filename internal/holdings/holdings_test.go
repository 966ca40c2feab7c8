package holdings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyBuy_CostBasisAccumulates(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, svc.ApplyBuy(ctx, "usr_a", 10, 200)) // 10 @ 20
	require.NoError(t, svc.ApplyBuy(ctx, "usr_a", 5, 110))  // 5 @ 22

	h, err := svc.Holding(ctx, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, int64(15), h.Shares)
	assert.Equal(t, int64(310), h.CostBasis)
	assert.Equal(t, "20.66", h.AvgCost()) // 310/15 truncated
}

func TestAvgCost_ZeroShares(t *testing.T) {
	h := &Holding{}
	assert.Equal(t, "0.00", h.AvgCost())
}

func TestLockShares_GuardsAvailable(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.ApplyBuy(ctx, "usr_a", 10, 200))

	require.NoError(t, svc.LockShares(ctx, "usr_a", 7))

	h, _ := svc.Holding(ctx, "usr_a")
	assert.Equal(t, int64(3), h.Available())

	// Only 3 remain unlocked.
	err := svc.LockShares(ctx, "usr_a", 4)
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestUnlockShares(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.ApplyBuy(ctx, "usr_a", 10, 200))
	require.NoError(t, svc.LockShares(ctx, "usr_a", 6))

	require.NoError(t, svc.UnlockShares(ctx, "usr_a", 6))
	h, _ := svc.Holding(ctx, "usr_a")
	assert.Equal(t, int64(10), h.Available())
}

func TestApplySell_ConsumesLockedAndShrinksBasis(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.ApplyBuy(ctx, "usr_a", 10, 200))
	require.NoError(t, svc.LockShares(ctx, "usr_a", 4))

	require.NoError(t, svc.ApplySell(ctx, "usr_a", 4))

	h, _ := svc.Holding(ctx, "usr_a")
	assert.Equal(t, int64(6), h.Shares)
	assert.Equal(t, int64(0), h.Locked)
	assert.Equal(t, int64(120), h.CostBasis) // avg cost unchanged at 20
	assert.Equal(t, "20.00", h.AvgCost())
}

func TestValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	assert.ErrorIs(t, svc.ApplyBuy(ctx, "usr_a", 0, 10), ErrInvalidQty)
	assert.ErrorIs(t, svc.ApplyBuy(ctx, "usr_a", 5, -1), ErrInvalidQty)
	assert.ErrorIs(t, svc.LockShares(ctx, "usr_a", -1), ErrInvalidQty)
	assert.ErrorIs(t, svc.UnlockShares(ctx, "usr_a", 0), ErrInvalidQty)
	assert.ErrorIs(t, svc.ApplySell(ctx, "usr_a", 0), ErrInvalidQty)
}

func TestHolding_UnknownUserIsZero(t *testing.T) {
	svc := NewService(NewMemoryStore())
	h, err := svc.Holding(context.Background(), "usr_nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.Shares)
	assert.Equal(t, int64(0), h.Locked)
}

func TestClearAndTotalShares(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, svc.ApplyBuy(ctx, "usr_a", 10, 200))
	require.NoError(t, svc.ApplyBuy(ctx, "usr_b", 4, 80))

	total, err := svc.TotalShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(14), total)

	removed, err := svc.Clear(ctx, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), removed)

	total, err = svc.TotalShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}
