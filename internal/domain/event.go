package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind nombra una notificación del ciclo de vida.
type EventKind string

const (
	EventAuctionOpened      EventKind = "auction_opened"
	EventAuctionEnded       EventKind = "auction_ended"
	EventBidCommitted       EventKind = "bid_committed"
	EventBidRevealed        EventKind = "bid_revealed"
	EventRewardsDistributed EventKind = "rewards_distributed"
	EventRewardClaimed      EventKind = "reward_claimed"
	EventClaimPending       EventKind = "reward_claim_pending"
	EventClaimRestored      EventKind = "reward_claim_restored"
	EventOperatorRejected   EventKind = "operator_rejected"
)

// Event es una observación para indexado externo. No es fuente de verdad:
// el estado del ledger es autoritativo.
type Event struct {
	ID        string // UUID
	Kind      EventKind
	PoolID    PoolID
	AuctionID AuctionID      // zero si no aplica (p.ej. claims)
	Actor     common.Address // bidder, ganador o reclamante
	Amount    *uint256.Int   // nil si no aplica
	At        time.Time
	Auction   *Auction // snapshot tras la transición; nil en eventos de claim
	Detail    string
}

// PendingClaim es un pago emitido cuya confirmación no llegó. Queda fuera
// del saldo reclamable hasta que se resuelva.
type PendingClaim struct {
	Ref     string
	PoolID  PoolID
	Account common.Address
	Amount  *uint256.Int
	At      time.Time
}

// LPDistributionMode decide cómo se acredita la parte de los LPs.
type LPDistributionMode string

const (
	// LPPooled acredita la parte LP al reward pool agregado del pool.
	LPPooled LPDistributionMode = "pooled"
	// LPProRata reparte la parte LP según el snapshot de posiciones al abrir la subasta.
	LPProRata LPDistributionMode = "pro_rata"
)

// ParseLPDistributionMode valida el modo configurado. Vacío = pooled.
func ParseLPDistributionMode(s string) (LPDistributionMode, error) {
	switch LPDistributionMode(s) {
	case "", LPPooled:
		return LPPooled, nil
	case LPProRata:
		return LPProRata, nil
	default:
		return "", ErrInvalidLPMode
	}
}
