package tasks_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/application/tasks"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	poolHex = "0x000000000000000000000000000000000000000000000000000000000000f001"
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	start   = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type staticFeed struct{ price *uint256.Int }

func (f staticFeed) GetPrice(context.Context, string) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}
func (f staticFeed) IsStale(context.Context, string) (bool, error) { return false, nil }

type noopTransfer struct{}

func (noopTransfer) Transfer(context.Context, common.Address, *uint256.Int) (string, error) {
	return "noop", nil
}

func e18(milli uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(milli), uint256.NewInt(1_000_000_000_000_000))
}

func newDispatcher(t *testing.T) (*tasks.Dispatcher, *auction.Engine, *time.Time) {
	t.Helper()
	cfg := auction.DefaultConfig()
	cfg.FeeRecipient = common.HexToAddress("0xfee")
	eng, err := auction.New(cfg, staticFeed{price: e18(1020)}, auction.NewAuthorizer(nil, alice), noopTransfer{}, nil)
	require.NoError(t, err)
	now := start
	eng.SetClock(func() time.Time { return now })
	return tasks.NewDispatcher(eng), eng, &now
}

func task(t *testing.T, id string, typ tasks.Type, params any) tasks.Task {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return tasks.Task{ID: id, Type: typ, Parameters: raw}
}

func tradeParams() tasks.TradeParams {
	return tasks.TradeParams{
		PoolID:    poolHex,
		Pair:      "ETH/USDC",
		PoolPrice: e18(1000).Dec(),
		TradeSize: "-5000",
	}
}

func TestParse(t *testing.T) {
	got, err := tasks.Parse([]byte(`{"id":"t1","type":"settlement","parameters":{"pool_id":"0x01"}}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, tasks.TypeSettlement, got.Type)

	_, err = tasks.Parse([]byte(`{`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	d, _, _ := newDispatcher(t)

	tests := []struct {
		name string
		task tasks.Task
		want error
	}{
		{"empty id", tasks.Task{Type: tasks.TypeSettlement, Parameters: json.RawMessage(`{"pool_id":"0x01"}`)}, tasks.ErrEmptyTaskID},
		{"empty params", tasks.Task{ID: "t", Type: tasks.TypeSettlement}, tasks.ErrEmptyParameters},
		{"unknown type", tasks.Task{ID: "t", Type: "price_oracle", Parameters: json.RawMessage(`{}`)}, tasks.ErrUnknownType},
		{"unknown field", tasks.Task{ID: "t", Type: tasks.TypeSettlement, Parameters: json.RawMessage(`{"pool":"0x01"}`)}, tasks.ErrBadParameter},
		{"settlement both ids", tasks.Task{ID: "t", Type: tasks.TypeSettlement, Parameters: json.RawMessage(`{"pool_id":"0x01","auction_id":"0x02"}`)}, tasks.ErrBadParameter},
		{"bad pool id", task(t, "t", tasks.TypeShieldMonitoring, tasks.TradeParams{PoolID: "f001", PoolPrice: "1"}), tasks.ErrBadParameter},
		{"bad price", task(t, "t", tasks.TypeAuctionCreation, tasks.TradeParams{PoolID: poolHex, PoolPrice: "1.5"}), tasks.ErrBadParameter},
		{"bad bidder", task(t, "t", tasks.TypeBidValidation, tasks.BidParams{AuctionID: "0x01", Bidder: "alice", Amount: "1", Secret: "0x01"}), tasks.ErrBadParameter},
		{"signed pool id", task(t, "t", tasks.TypeShieldMonitoring, tasks.TradeParams{PoolID: "0x-1", PoolPrice: "1"}), tasks.ErrBadParameter},
		{"plus sign", tasks.Task{ID: "t", Type: tasks.TypeSettlement, Parameters: json.RawMessage(`{"auction_id":"0x+f"}`)}, tasks.ErrBadParameter},
		{"non hex secret", task(t, "t", tasks.TypeBidValidation, tasks.BidParams{AuctionID: "0x01", Bidder: alice.Hex(), Amount: "1", Secret: "0xzz"}), tasks.ErrBadParameter},
		{"too long", tasks.Task{ID: "t", Type: tasks.TypeSettlement, Parameters: json.RawMessage(`{"pool_id":"` + poolHex + `00"}`)}, tasks.ErrBadParameter},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, d.Validate(tc.task), tc.want)
		})
	}

	require.NoError(t, d.Validate(task(t, "ok", tasks.TypeShieldMonitoring, tradeParams())))
	// valores cortos se rellenan por la izquierda, también con longitud impar
	require.NoError(t, d.Validate(tasks.Task{ID: "ok", Type: tasks.TypeSettlement, Parameters: json.RawMessage(`{"pool_id":"0xf01"}`)}))
}

func TestHandle_MonitoringIsReadOnly(t *testing.T) {
	d, eng, _ := newDispatcher(t)

	res, err := d.Handle(context.Background(), task(t, "m1", tasks.TypeShieldMonitoring, tradeParams()))
	require.NoError(t, err)

	data, ok := res.Data.(tasks.MonitoringData)
	require.True(t, ok)
	assert.True(t, data.Fire)
	assert.Equal(t, "200", data.DeviationBps)
	assert.Equal(t, "NONE", data.State)
	assert.Empty(t, eng.Auctions())
}

func TestHandle_FullCycle(t *testing.T) {
	d, eng, now := newDispatcher(t)
	ctx := context.Background()

	res, err := d.Handle(ctx, task(t, "c1", tasks.TypeAuctionCreation, tradeParams()))
	require.NoError(t, err)
	created := res.Data.(tasks.CreationData)
	require.NotNil(t, created.Opened)
	assert.Equal(t, "ACTIVE", created.Opened.State)
	auctionID := created.Opened.AuctionID

	amount := uint256.NewInt(500)
	secret := common.HexToHash("0xabc")
	require.NoError(t, eng.Commit(ctx, common.HexToHash(auctionID), alice, domain.ComputeCommitment(alice, amount, secret)))

	bid := tasks.BidParams{AuctionID: auctionID, Bidder: alice.Hex(), Amount: "500", Secret: secret.Hex()}
	res, err = d.Handle(ctx, task(t, "v1", tasks.TypeBidValidation, bid))
	require.NoError(t, err)
	assert.True(t, res.Data.(tasks.ValidationData).Valid)

	bid.Amount = "501"
	res, err = d.Handle(ctx, task(t, "v2", tasks.TypeBidValidation, bid))
	require.NoError(t, err)
	v := res.Data.(tasks.ValidationData)
	assert.False(t, v.Valid)
	assert.Equal(t, "IntegrityError", v.Kind)

	// antes de tiempo la liquidación se rechaza
	_, err = d.Handle(ctx, task(t, "s0", tasks.TypeSettlement, tasks.SettlementParams{AuctionID: auctionID}))
	require.ErrorIs(t, err, domain.ErrAuctionNotEnded)

	*now = now.Add(domain.DefaultAuctionDuration)
	res, err = d.Handle(ctx, task(t, "s1", tasks.TypeSettlement, tasks.SettlementParams{PoolID: poolHex}))
	require.NoError(t, err)
	settled := res.Data.(tasks.SettlementData)
	assert.True(t, settled.Settled)
	assert.Equal(t, "COMPLETE", settled.Auction.State)

	res, err = d.Handle(ctx, task(t, "s2", tasks.TypeSettlement, tasks.SettlementParams{AuctionID: auctionID}))
	require.NoError(t, err, "settlement is idempotent")
	assert.True(t, res.Data.(tasks.SettlementData).Settled)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"task_id":"s2"`)
}

// Una subasta vencida pero aún sin cerrar se reporta como ENDED.
func TestHandle_EndedAuctionIsNotActive(t *testing.T) {
	d, _, now := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Handle(ctx, task(t, "c1", tasks.TypeAuctionCreation, tradeParams()))
	require.NoError(t, err)

	*now = now.Add(domain.DefaultAuctionDuration)
	params := tradeParams()
	params.PoolPrice = e18(1020).Dec() // sin desviación: no abre otra
	res, err := d.Handle(ctx, task(t, "m1", tasks.TypeShieldMonitoring, params))
	require.NoError(t, err)
	assert.Equal(t, "ENDED", res.Data.(tasks.MonitoringData).State)
}
