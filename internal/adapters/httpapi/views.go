package httpapi

import (
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Las cantidades viajan como enteros decimales en string: no caben en un
// number de JSON.

type auctionView struct {
	AuctionID     string    `json:"auction_id"`
	PoolID        string    `json:"pool_id"`
	Nonce         uint64    `json:"nonce"`
	StartTime     time.Time `json:"start_time"`
	EndsAt        time.Time `json:"ends_at"`
	IsActive      bool      `json:"is_active"`
	IsComplete    bool      `json:"is_complete"`
	Winner        string    `json:"winner,omitempty"`
	WinningAmount string    `json:"winning_amount"`
	TotalBids     uint64    `json:"total_bids"`
}

type poolView struct {
	PoolID         string       `json:"pool_id"`
	State          string       `json:"state"`
	Paused         bool         `json:"paused"`
	TotalLiquidity string       `json:"total_liquidity"`
	RewardPool     string       `json:"reward_pool"`
	Active         *auctionView `json:"active,omitempty"`
}

type bidView struct {
	Bidder     string    `json:"bidder"`
	Amount     string    `json:"amount"`
	RevealTime time.Time `json:"reveal_time"`
}

type tradeView struct {
	Fire         bool         `json:"fire"`
	Reason       string       `json:"reason"`
	DeviationBps string       `json:"deviation_bps,omitempty"`
	Opened       *auctionView `json:"opened,omitempty"`
	Finalized    *auctionView `json:"finalized,omitempty"`
	Active       *auctionView `json:"active,omitempty"`
}

type eventView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	PoolID    string    `json:"pool_id"`
	AuctionID string    `json:"auction_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

func toAuctionView(a domain.Auction) *auctionView {
	v := &auctionView{
		AuctionID:     a.ID.Hex(),
		PoolID:        a.PoolID.Hex(),
		Nonce:         a.Nonce,
		StartTime:     a.StartTime.UTC(),
		EndsAt:        a.EndsAt().UTC(),
		IsActive:      a.IsActive,
		IsComplete:    a.IsComplete,
		WinningAmount: domain.AmountString(a.WinningAmount),
		TotalBids:     a.TotalBids,
	}
	if a.Winner != (common.Address{}) {
		v.Winner = a.Winner.Hex()
	}
	return v
}

func toEventView(ev domain.Event) eventView {
	v := eventView{
		ID:     ev.ID,
		Kind:   string(ev.Kind),
		PoolID: ev.PoolID.Hex(),
		At:     ev.At.UTC(),
		Detail: ev.Detail,
	}
	if ev.AuctionID != (common.Hash{}) {
		v.AuctionID = ev.AuctionID.Hex()
	}
	if ev.Actor != (common.Address{}) {
		v.Actor = ev.Actor.Hex()
	}
	if ev.Amount != nil {
		v.Amount = ev.Amount.Dec()
	}
	return v
}

type pendingClaimView struct {
	Reference string    `json:"reference"`
	PoolID    string    `json:"pool_id"`
	Account   string    `json:"account"`
	Amount    string    `json:"amount"`
	At        time.Time `json:"at"`
}

func toPendingClaimView(pc domain.PendingClaim) pendingClaimView {
	return pendingClaimView{
		Reference: pc.Ref,
		PoolID:    pc.PoolID.Hex(),
		Account:   pc.Account.Hex(),
		Amount:    domain.AmountString(pc.Amount),
		At:        pc.At,
	}
}
