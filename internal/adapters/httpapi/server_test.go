package httpapi_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/adapters/httpapi"
	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret  = "test-secret"
	poolHex = "0x000000000000000000000000000000000000000000000000000000000000f001"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type staticFeed struct{ price *uint256.Int }

func (f staticFeed) GetPrice(context.Context, string) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}
func (f staticFeed) IsStale(context.Context, string) (bool, error) { return false, nil }

type memTransfer struct {
	paid        map[common.Address]*uint256.Int
	unconfirmed bool
}

func (m *memTransfer) Transfer(_ context.Context, to common.Address, amount *uint256.Int) (string, error) {
	m.paid[to] = new(uint256.Int).Set(amount)
	if m.unconfirmed {
		return "mem-1", &domain.TransferPendingError{Ref: "mem-1", Err: context.DeadlineExceeded}
	}
	return "mem-1", nil
}

func e18(milli uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(milli), uint256.NewInt(1_000_000_000_000_000))
}

type fixture struct {
	srv      *httptest.Server
	engine   *auction.Engine
	transfer *memTransfer
	now      *time.Time
	key      *ecdsa.PrivateKey
	bidder   common.Address
	host     string
	admin    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	bidder := crypto.PubkeyToAddress(key.PublicKey)

	cfg := auction.DefaultConfig()
	cfg.FeeRecipient = common.HexToAddress("0xfee")
	tr := &memTransfer{paid: make(map[common.Address]*uint256.Int)}
	eng, err := auction.New(cfg, staticFeed{price: e18(1020)}, auction.NewAuthorizer(nil, bidder), tr, nil)
	require.NoError(t, err)
	now := start
	eng.SetClock(func() time.Time { return now })

	api := httpapi.New(httpapi.Config{JWTSecret: secret, RequireSignatures: true}, eng, nil)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	host, err := httpapi.IssueToken(secret, "pool-hook", httpapi.RoleHost, time.Hour)
	require.NoError(t, err)
	admin, err := httpapi.IssueToken(secret, "ops", httpapi.RoleAdmin, time.Hour)
	require.NoError(t, err)

	return &fixture{srv: srv, engine: eng, transfer: tr, now: &now, key: key, bidder: bidder, host: host, admin: admin}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *fixture) sign(t *testing.T, digest common.Hash) string {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), f.key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func (f *fixture) openAuction(t *testing.T) domain.AuctionID {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/v1/hooks/before-trade", f.host, map[string]string{
		"pool_id":    poolHex,
		"pair":       "ETH/USDC",
		"pool_price": e18(1000).Dec(),
		"trade_size": "-5000",
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["fire"])
	opened, ok := body["opened"].(map[string]any)
	require.True(t, ok, body)
	return common.HexToHash(opened["auction_id"].(string))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

func TestHooks_RequireHostToken(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/v1/hooks/after-trade", "", map[string]string{"pool_id": poolHex})
	assert.Equal(t, http.StatusUnauthorized, status)

	forged, err := httpapi.IssueToken("other-secret", "x", httpapi.RoleHost, time.Hour)
	require.NoError(t, err)
	status, _ = f.do(t, http.MethodPost, "/v1/hooks/after-trade", forged, map[string]string{"pool_id": poolHex})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := f.do(t, http.MethodPost, "/v1/hooks/after-trade", f.host, map[string]string{"pool_id": poolHex})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["finalized"])
}

func TestAdmin_RejectsHostRole(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/v1/admin/pause", f.host, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := f.do(t, http.MethodPost, "/v1/admin/pause", f.admin, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["paused"])
	assert.True(t, f.engine.Paused())

	// admin también vale como host
	status, body = f.do(t, http.MethodPost, "/v1/hooks/before-trade", f.admin, map[string]string{
		"pool_id": poolHex, "pool_price": e18(1000).Dec(), "trade_size": "5000",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["opened"], "paused shield opens nothing")
}

func TestAuctionRoundTrip(t *testing.T) {
	f := newFixture(t)
	id := f.openAuction(t)
	amount := e18(500)
	salt := common.HexToHash("0x5ec2e7")
	commitment := domain.ComputeCommitment(f.bidder, amount, salt)

	status, body := f.do(t, http.MethodPost, "/v1/auctions/"+id.Hex()+"/commit", "", map[string]string{
		"bidder":     f.bidder.Hex(),
		"commitment": commitment.Hex(),
		"signature":  f.sign(t, httpapi.CommitDigest(id, f.bidder, commitment)),
	})
	require.Equal(t, http.StatusAccepted, status, body)

	status, body = f.do(t, http.MethodPost, "/v1/auctions/"+id.Hex()+"/commit", "", map[string]string{
		"bidder":     f.bidder.Hex(),
		"commitment": commitment.Hex(),
		"signature":  f.sign(t, httpapi.CommitDigest(id, f.bidder, commitment)),
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "StateError", body["kind"])

	status, body = f.do(t, http.MethodPost, "/v1/auctions/"+id.Hex()+"/reveal", "", map[string]string{
		"bidder":    f.bidder.Hex(),
		"amount":    amount.Dec(),
		"secret":    salt.Hex(),
		"signature": f.sign(t, httpapi.RevealDigest(id, f.bidder, amount, salt)),
	})
	require.Equal(t, http.StatusAccepted, status, body)

	*f.now = start.Add(domain.DefaultAuctionDuration)
	status, body = f.do(t, http.MethodPost, "/v1/hooks/after-trade", f.host, map[string]string{"pool_id": poolHex})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["finalized"])
	ended := body["auction"].(map[string]any)
	assert.Equal(t, f.bidder.Hex(), ended["winner"])
	assert.Equal(t, amount.Dec(), ended["winning_amount"])

	status, body = f.do(t, http.MethodGet, "/v1/pools/"+poolHex+"/claimable/"+f.bidder.Hex(), "", nil)
	require.Equal(t, http.StatusOK, status)
	claimable := body["claimable"].(string)
	assert.NotEqual(t, "0", claimable)

	status, body = f.do(t, http.MethodPost, "/v1/pools/"+poolHex+"/claim", "", map[string]string{
		"account":   f.bidder.Hex(),
		"signature": f.sign(t, httpapi.ClaimDigest(common.HexToHash(poolHex), f.bidder)),
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, claimable, body["amount"])
	assert.Equal(t, "mem-1", body["reference"])
	assert.Equal(t, claimable, f.transfer.paid[f.bidder].Dec())

	status, body = f.do(t, http.MethodPost, "/v1/pools/"+poolHex+"/claim", "", map[string]string{
		"account":   f.bidder.Hex(),
		"signature": f.sign(t, httpapi.ClaimDigest(common.HexToHash(poolHex), f.bidder)),
	})
	assert.Equal(t, http.StatusConflict, status, body)
}

func TestCommit_SignatureMustMatchBidder(t *testing.T) {
	f := newFixture(t)
	id := f.openAuction(t)
	other := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	commitment := domain.ComputeCommitment(other, e18(1), common.Hash{})

	status, _ := f.do(t, http.MethodPost, "/v1/auctions/"+id.Hex()+"/commit", "", map[string]string{
		"bidder":     other.Hex(),
		"commitment": commitment.Hex(),
		"signature":  f.sign(t, httpapi.CommitDigest(id, other, commitment)),
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/v1/auctions/"+id.Hex()+"/commit", "", map[string]string{
		"bidder":     f.bidder.Hex(),
		"commitment": commitment.Hex(),
		"signature":  "0x1234",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestReveal_MismatchIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	id := f.openAuction(t)
	salt := common.HexToHash("0x01")
	commitment := domain.ComputeCommitment(f.bidder, e18(10), salt)
	require.NoError(t, f.engine.Commit(context.Background(), id, f.bidder, commitment))

	wrong := e18(11)
	status, body := f.do(t, http.MethodPost, "/v1/auctions/"+id.Hex()+"/reveal", "", map[string]string{
		"bidder":    f.bidder.Hex(),
		"amount":    wrong.Dec(),
		"secret":    salt.Hex(),
		"signature": f.sign(t, httpapi.RevealDigest(id, f.bidder, wrong, salt)),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "IntegrityError", body["kind"])
}

func TestQueries(t *testing.T) {
	f := newFixture(t)

	unknown := "0x" + common.Bytes2Hex(make([]byte, 31)) + "99"
	status, body := f.do(t, http.MethodGet, "/v1/auctions/"+unknown, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFoundError", body["kind"])

	status, _ = f.do(t, http.MethodGet, "/v1/auctions/0x01", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	id := f.openAuction(t)
	status, body = f.do(t, http.MethodGet, "/v1/pools/"+poolHex, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ACTIVE", body["state"])
	assert.Equal(t, id.Hex(), body["active"].(map[string]any)["auction_id"])

	status, body = f.do(t, http.MethodGet, "/v1/auctions/"+id.Hex(), "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_active"])
}

func TestAdmin_OperatorsAndFinalize(t *testing.T) {
	f := newFixture(t)
	op := common.HexToAddress("0x00000000000000000000000000000000000ca201")

	status, _ := f.do(t, http.MethodPost, "/v1/admin/operators", f.admin, map[string]string{"address": op.Hex()})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, f.engine.Authorizer().IsAuthorized(context.Background(), op))

	status, _ = f.do(t, http.MethodDelete, "/v1/admin/operators/"+op.Hex(), f.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, f.engine.Authorizer().IsAuthorized(context.Background(), op))

	id := f.openAuction(t)
	status, body := f.do(t, http.MethodPost, "/v1/admin/auctions/"+id.Hex()+"/finalize", f.admin, nil)
	assert.Equal(t, http.StatusConflict, status, body)

	*f.now = start.Add(time.Minute)
	status, body = f.do(t, http.MethodPost, "/v1/admin/auctions/"+id.Hex()+"/finalize", f.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_complete"])
}

func TestTasksEndpoint(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/tasks", f.host, map[string]any{
		"id":   "t-1",
		"type": "shield_monitoring",
		"parameters": map[string]string{
			"pool_id":    poolHex,
			"pool_price": e18(1000).Dec(),
			"trade_size": "5000",
		},
	})
	require.Equal(t, http.StatusOK, status, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["fire"])
	assert.Equal(t, "NONE", data["state"])

	status, _ = f.do(t, http.MethodPost, "/v1/tasks", f.host, map[string]any{"id": "t-2", "type": "nope", "parameters": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClaim_UnconfirmedTransferStaysPending(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/admin/distribute", f.admin, map[string]string{
		"pool_id": poolHex,
		"winner":  f.bidder.Hex(),
		"amount":  "100",
	})
	require.Equal(t, http.StatusOK, status, body)
	f.transfer.unconfirmed = true

	claim := map[string]string{
		"account":   f.bidder.Hex(),
		"signature": f.sign(t, httpapi.ClaimDigest(common.HexToHash(poolHex), f.bidder)),
	}
	status, body = f.do(t, http.MethodPost, "/v1/pools/"+poolHex+"/claim", "", claim)
	require.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "12", body["amount"])
	assert.Equal(t, "mem-1", body["reference"])

	status, _ = f.do(t, http.MethodPost, "/v1/pools/"+poolHex+"/claim", "", claim)
	assert.Equal(t, http.StatusConflict, status, "nothing left to claim while pending")

	status, body = f.do(t, http.MethodGet, "/v1/admin/claims/pending", f.admin, nil)
	require.Equal(t, http.StatusOK, status)
	claims := body["claims"].([]any)
	require.Len(t, claims, 1)
	assert.Equal(t, "mem-1", claims[0].(map[string]any)["reference"])

	status, _ = f.do(t, http.MethodPost, "/v1/admin/claims/mem-1/resolve", f.admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/v1/admin/claims/mem-1/resolve", f.admin, map[string]bool{"confirmed": false})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "12", f.engine.Claimable(common.HexToHash(poolHex), f.bidder).Dec())

	status, body = f.do(t, http.MethodPost, "/v1/admin/claims/mem-1/resolve", f.admin, map[string]bool{"confirmed": true})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFoundError", body["kind"])
}
