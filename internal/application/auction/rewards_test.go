package auction_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finalizeWith abre una subasta, registra una única puja y la cierra.
func finalizeWith(t *testing.T, h *harness, winner common.Address, amount uint64) domain.Auction {
	t.Helper()
	a := h.open(t, pool)
	h.commitReveal(t, a.ID, winner, amount)
	h.clock.Advance(domain.DefaultAuctionDuration)
	done, err := h.engine.Finalize(context.Background(), a.ID)
	require.NoError(t, err)
	return done
}

// Escenario E: 100 unidades con 8500/1000/300/200 dan 85/10/3/2 exactos.
func TestDistribute_ScenarioE(t *testing.T) {
	h := newHarness(t, testConfig())
	finalizeWith(t, h, alice, 100)

	assert.Equal(t, uint64(85), h.engine.PoolRewards(pool).Uint64())
	assert.Equal(t, uint64(12), h.engine.Claimable(pool, alice).Uint64(), "operator + gas")
	assert.Equal(t, uint64(3), h.engine.Claimable(pool, treasury).Uint64())
}

func TestDistribute_RoundingNeverCreatesValue(t *testing.T) {
	book := auction.NewRewardBook()
	split := domain.DefaultRewardSplit()

	for _, total := range []uint64{1, 3, 99, 101, 12_345, 999_999} {
		p := common.BigToHash(uint256.NewInt(total).ToBig())
		d := book.Distribute(p, alice, treasury, uint256.NewInt(total), split, domain.LPPooled, nil)

		credited := new(uint256.Int).Add(book.PoolRewards(p), book.Claimable(p, alice))
		credited.Add(credited, book.Claimable(p, treasury))
		require.False(t, credited.Gt(d.Total), "total %d", total)
		assert.LessOrEqual(t, new(uint256.Int).Sub(d.Total, credited).Uint64(), uint64(4))
	}
}

func TestDistribute_ProRata(t *testing.T) {
	cfg := testConfig()
	cfg.LPMode = domain.LPProRata
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.IncreasePosition(pool, alice, uint256.NewInt(300)))
	require.NoError(t, h.engine.IncreasePosition(pool, bob, uint256.NewInt(100)))
	a := h.open(t, pool)

	// cambios posteriores al snapshot no alteran el reparto
	require.NoError(t, h.engine.IncreasePosition(pool, carol, uint256.NewInt(1_000)))

	h.commitReveal(t, a.ID, carol, 1_000)
	h.clock.Advance(domain.DefaultAuctionDuration)
	_, err := h.engine.Finalize(context.Background(), a.ID)
	require.NoError(t, err)

	// LP share = 850 -> alice 637, bob 212, resto 1 al pool
	assert.Equal(t, uint64(637), h.engine.Claimable(pool, alice).Uint64())
	assert.Equal(t, uint64(212), h.engine.Claimable(pool, bob).Uint64())
	assert.Equal(t, uint64(1), h.engine.PoolRewards(pool).Uint64())
	assert.Equal(t, uint64(120), h.engine.Claimable(pool, carol).Uint64())
	assert.Equal(t, uint64(30), h.engine.Claimable(pool, treasury).Uint64())
}

func TestDistribute_ProRataWithoutLiquidityFallsBackToPool(t *testing.T) {
	cfg := testConfig()
	cfg.LPMode = domain.LPProRata
	h := newHarness(t, cfg)
	finalizeWith(t, h, alice, 100)

	assert.Equal(t, uint64(85), h.engine.PoolRewards(pool).Uint64())
}

func TestEngine_DistributeAdmin(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.engine.Distribute(ctx, pool, alice, new(uint256.Int))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	d, err := h.engine.Distribute(ctx, pool, alice, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(85), d.PoolShare.Uint64())
	assert.Equal(t, uint64(12), h.engine.Claimable(pool, alice).Uint64())
	assert.Contains(t, h.sink.kinds(), domain.EventRewardsDistributed)
}

func TestClaim_RoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	finalizeWith(t, h, alice, 1_000)

	before := h.engine.Claimable(pool, alice)
	require.Equal(t, uint64(120), before.Uint64())

	amount, ref, err := h.engine.Claim(ctx, pool, alice)
	require.NoError(t, err)
	assert.Equal(t, before, amount)
	assert.Equal(t, "ref-1", ref)
	assert.True(t, h.engine.Claimable(pool, alice).IsZero())

	require.Len(t, h.transfer.calls, 1)
	assert.Equal(t, alice, h.transfer.calls[0].to)
	assert.Equal(t, before, h.transfer.calls[0].amount)
	assert.Contains(t, h.sink.kinds(), domain.EventRewardClaimed)

	_, _, err = h.engine.Claim(ctx, pool, alice)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestClaim_TransferFailureRestoresBalance(t *testing.T) {
	h := newHarness(t, testConfig())
	finalizeWith(t, h, alice, 1_000)
	h.transfer.err = errors.New("insufficient gas")

	_, _, err := h.engine.Claim(context.Background(), pool, alice)
	require.Error(t, err)
	assert.Equal(t, uint64(120), h.engine.Claimable(pool, alice).Uint64())
	assert.NotContains(t, h.sink.kinds(), domain.EventRewardClaimed)
}

func TestClaim_UnknownAccount(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, err := h.engine.Claim(context.Background(), pool, bob)
	assert.ErrorIs(t, err, domain.ErrNothingToClaim)
	assert.Empty(t, h.transfer.calls)
}

func TestClaim_UnconfirmedTransferIsNotRestored(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	finalizeWith(t, h, alice, 1_000)
	h.transfer.unconfirmed = true

	amount, ref, err := h.engine.Claim(ctx, pool, alice)
	require.Error(t, err)
	pe, ok := domain.AsTransferPending(err)
	require.True(t, ok)
	assert.Equal(t, "ref-1", pe.Ref)
	assert.Equal(t, "ref-1", ref)
	assert.Equal(t, uint64(120), amount.Uint64())

	assert.True(t, h.engine.Claimable(pool, alice).IsZero())
	_, _, err = h.engine.Claim(ctx, pool, alice)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
	assert.Len(t, h.transfer.calls, 1, "a retry must not pay twice")

	pending := h.engine.PendingClaims()
	require.Len(t, pending, 1)
	assert.Equal(t, alice, pending[0].Account)
	assert.Equal(t, uint64(120), pending[0].Amount.Uint64())
	assert.Contains(t, h.sink.kinds(), domain.EventClaimPending)
	assert.NotContains(t, h.sink.kinds(), domain.EventRewardClaimed)
}

func TestResolveClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t, testConfig())
		finalizeWith(t, h, alice, 1_000)
		h.transfer.unconfirmed = true
		_, ref, _ := h.engine.Claim(ctx, pool, alice)

		pc, err := h.engine.ResolveClaim(ctx, ref, true)
		require.NoError(t, err)
		assert.Equal(t, uint64(120), pc.Amount.Uint64())
		assert.Empty(t, h.engine.PendingClaims())
		assert.True(t, h.engine.Claimable(pool, alice).IsZero())
		assert.Contains(t, h.sink.kinds(), domain.EventRewardClaimed)
	})

	t.Run("dropped", func(t *testing.T) {
		h := newHarness(t, testConfig())
		finalizeWith(t, h, alice, 1_000)
		h.transfer.unconfirmed = true
		_, ref, _ := h.engine.Claim(ctx, pool, alice)

		_, err := h.engine.ResolveClaim(ctx, ref, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(120), h.engine.Claimable(pool, alice).Uint64())
		assert.Contains(t, h.sink.kinds(), domain.EventClaimRestored)

		_, err = h.engine.ResolveClaim(ctx, ref, false)
		require.ErrorIs(t, err, domain.ErrPendingClaimNotFound)
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
		assert.Equal(t, uint64(120), h.engine.Claimable(pool, alice).Uint64(), "no double restore")
	})
}
