package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeforeTrade_OpensAuction(t *testing.T) {
	h := newHarness(t, testConfig())

	a := h.open(t, pool)
	assert.True(t, a.IsActive)
	assert.False(t, a.IsComplete)
	assert.Equal(t, t0, a.StartTime)
	assert.Equal(t, domain.DefaultAuctionDuration, a.Duration)
	assert.Equal(t, uint64(1), a.Nonce)
	assert.Equal(t, domain.DeriveAuctionID(pool, t0, 1), a.ID)
	assert.Equal(t, domain.StateActive, h.engine.PoolState(pool))
	assert.Equal(t, []domain.EventKind{domain.EventAuctionOpened}, h.sink.kinds())
}

func TestBeforeTrade_NoTrigger(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*harness)
		signal func() auction.TradeSignal
		reason string
	}{
		{
			name:   "deviation below threshold",
			setup:  func(h *harness) { h.feed.price = e18(1005) },
			signal: func() auction.TradeSignal { return triggerSignal(pool) },
			reason: domain.ReasonBelowThresh,
		},
		{
			name:   "stale feed",
			setup:  func(h *harness) { h.feed.stale = true },
			signal: func() auction.TradeSignal { return triggerSignal(pool) },
			reason: domain.ReasonStaleFeed,
		},
		{
			name:   "feed error",
			setup:  func(h *harness) { h.feed.err = errors.New("timeout") },
			signal: func() auction.TradeSignal { return triggerSignal(pool) },
			reason: domain.ReasonFeedError,
		},
		{
			name:  "small trade",
			setup: func(*harness) {},
			signal: func() auction.TradeSignal {
				s := triggerSignal(pool)
				s.TradeSize = uint256.NewInt(999)
				return s
			},
			reason: domain.ReasonTradeTooSmall,
		},
		{
			name:  "zero pool price",
			setup: func(*harness) {},
			signal: func() auction.TradeSignal {
				s := triggerSignal(pool)
				s.PoolPrice = new(uint256.Int)
				return s
			},
			reason: domain.ReasonZeroPrice,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			tc.setup(h)

			out, err := h.engine.BeforeTrade(context.Background(), tc.signal())
			require.NoError(t, err)
			assert.Nil(t, out.Opened)
			assert.Equal(t, tc.reason, out.Decision.Reason)
			assert.Equal(t, domain.StateNoAuction, h.engine.PoolState(pool))
			assert.Empty(t, h.sink.kinds())
		})
	}
}

func TestBeforeTrade_AtMostOneActivePerPool(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.open(t, pool)

	h.clock.Advance(time.Second)
	out, err := h.engine.BeforeTrade(context.Background(), triggerSignal(pool))
	require.NoError(t, err)
	assert.Nil(t, out.Opened)
	require.NotNil(t, out.Active)
	assert.Equal(t, first.ID, out.Active.ID)

	// otro pool no se ve afectado
	second := h.open(t, otherPool)
	assert.NotEqual(t, first.ID, second.ID)

	active := 0
	for _, a := range h.engine.Auctions() {
		if a.IsActive && a.PoolID == pool {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestBeforeTrade_FinalizesEndedAuctionOnEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.open(t, pool)
	h.commitReveal(t, first.ID, alice, 100)

	h.clock.Advance(domain.DefaultAuctionDuration)
	out, err := h.engine.BeforeTrade(context.Background(), triggerSignal(pool))
	require.NoError(t, err)

	require.NotNil(t, out.Finalized)
	assert.Equal(t, first.ID, out.Finalized.ID)
	assert.True(t, out.Finalized.IsComplete)

	require.NotNil(t, out.Opened)
	assert.Equal(t, uint64(2), out.Opened.Nonce)
	assert.NotEqual(t, first.ID, out.Opened.ID)

	assert.Equal(t, uint64(10+2), h.engine.Claimable(pool, alice).Uint64())
}

func TestBeforeTrade_PausedBlocksOnlyNewAuctions(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.open(t, pool)

	h.engine.Pause()
	assert.True(t, h.engine.Paused())

	// la subasta en curso sigue aceptando pujas
	h.commitReveal(t, a.ID, alice, 50)

	out, err := h.engine.BeforeTrade(context.Background(), triggerSignal(otherPool))
	require.NoError(t, err)
	assert.True(t, out.Decision.Fire)
	assert.Nil(t, out.Opened)

	h.engine.Unpause()
	h.open(t, otherPool)
}

// Escenario D: finalize antes de tiempo falla, después funciona y es idempotente.
func TestFinalize_ScenarioD(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a := h.open(t, pool)
	h.commitReveal(t, a.ID, alice, 100)

	h.clock.Advance(domain.DefaultAuctionDuration - time.Nanosecond)
	_, err := h.engine.Finalize(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrAuctionNotEnded)
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	got, err := h.engine.Auction(a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	h.clock.Advance(time.Nanosecond)
	done, err := h.engine.Finalize(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, done.IsComplete)
	assert.False(t, done.IsActive)
	assert.Equal(t, domain.StateNoAuction, h.engine.PoolState(pool))

	claim := h.engine.Claimable(pool, alice)
	again, err := h.engine.Finalize(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, done, again)
	assert.Equal(t, claim, h.engine.Claimable(pool, alice), "second finalize must not distribute twice")
	assert.Equal(t, uint64(85), h.engine.PoolRewards(pool).Uint64())

	assert.Equal(t, []domain.EventKind{
		domain.EventAuctionOpened,
		domain.EventBidCommitted,
		domain.EventBidRevealed,
		domain.EventAuctionEnded,
		domain.EventRewardsDistributed,
	}, h.sink.kinds())
}

func TestFinalize_UnknownAuction(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.engine.Finalize(context.Background(), domain.AuctionID{})
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestAfterTrade_LazyFinalize(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	got, err := h.engine.AfterTrade(ctx, pool)
	require.NoError(t, err)
	assert.Nil(t, got, "no auction")

	a := h.open(t, pool)
	got, err = h.engine.AfterTrade(ctx, pool)
	require.NoError(t, err)
	assert.Nil(t, got, "window still open")

	h.clock.Advance(domain.DefaultAuctionDuration + time.Second)
	assert.Equal(t, domain.StateEnded, h.engine.PoolState(pool))

	got, err = h.engine.AfterTrade(ctx, pool)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, got.IsComplete)
	assert.False(t, got.HasWinner())

	// sin pujas: no hay reparto
	assert.True(t, h.engine.PoolRewards(pool).IsZero())
	assert.NotContains(t, h.sink.kinds(), domain.EventRewardsDistributed)

	got, err = h.engine.AfterTrade(ctx, pool)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLifecycle_CompleteNeverReactivates(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a := h.open(t, pool)
	h.clock.Advance(domain.DefaultAuctionDuration)
	_, err := h.engine.Finalize(ctx, a.ID)
	require.NoError(t, err)

	h.open(t, pool)

	err = h.engine.Commit(ctx, a.ID, bob, domain.ComputeCommitment(bob, uint256.NewInt(1), secretFor(bob)))
	require.ErrorIs(t, err, domain.ErrAuctionNotActive)

	old, err := h.engine.Auction(a.ID)
	require.NoError(t, err)
	assert.True(t, old.IsComplete)
	assert.False(t, old.IsActive)
	assert.Len(t, h.engine.Auctions(), 2)
}

func TestEvaluateTrigger_HasNoSideEffects(t *testing.T) {
	h := newHarness(t, testConfig())

	d := h.engine.EvaluateTrigger(context.Background(), triggerSignal(pool))
	assert.True(t, d.Fire)
	assert.Equal(t, uint64(200), d.DeviationBps.Uint64())
	assert.Empty(t, h.engine.Auctions())
}
