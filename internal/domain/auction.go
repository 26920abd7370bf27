package domain

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// PoolID identifica un pool del motor anfitrión (bytes32, como el PoolId de Uniswap v4).
type PoolID = common.Hash

// AuctionID identifica una subasta concreta.
type AuctionID = common.Hash

// DefaultAuctionDuration es la ventana fija de commit/reveal (un slot de L1).
const DefaultAuctionDuration = 12 * time.Second

// AuctionState es el estado observable de una subasta en un instante dado.
// Ended no se persiste: se calcula a partir de StartTime + Duration.
type AuctionState int

const (
	StateNoAuction AuctionState = iota
	StateActive
	StateEnded
	StateComplete
)

func (s AuctionState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StateComplete:
		return "COMPLETE"
	default:
		return "NONE"
	}
}

// Auction es el registro de un evento de trigger en un pool.
// Nunca se borra: al completarse solo se limpia el puntero activo del pool.
type Auction struct {
	ID            AuctionID
	PoolID        PoolID
	Nonce         uint64 // secuencia por pool usada para derivar el ID
	StartTime     time.Time
	Duration      time.Duration
	IsActive      bool
	IsComplete    bool
	Winner        common.Address // zero = sin ganador
	WinningAmount *uint256.Int
	TotalBids     uint64 // número de commitments
}

// EndsAt devuelve el instante en que la ventana se cierra.
func (a Auction) EndsAt() time.Time {
	return a.StartTime.Add(a.Duration)
}

// HasEnded indica si la ventana ya transcurrió en now.
func (a Auction) HasEnded(now time.Time) bool {
	return !now.Before(a.EndsAt())
}

// AcceptsBids indica si la subasta admite commits/reveals en now.
func (a Auction) AcceptsBids(now time.Time) bool {
	return a.IsActive && !a.IsComplete && !a.HasEnded(now)
}

// State calcula el estado observable en now.
func (a Auction) State(now time.Time) AuctionState {
	switch {
	case a.IsComplete:
		return StateComplete
	case a.IsActive && a.HasEnded(now):
		return StateEnded
	case a.IsActive:
		return StateActive
	default:
		return StateNoAuction
	}
}

// HasWinner devuelve true si hubo al menos un reveal válido.
func (a Auction) HasWinner() bool {
	return a.WinningAmount != nil && !a.WinningAmount.IsZero() && a.Winner != (common.Address{})
}

// Clone devuelve una copia independiente (WinningAmount no se comparte).
func (a Auction) Clone() Auction {
	c := a
	if a.WinningAmount != nil {
		c.WinningAmount = new(uint256.Int).Set(a.WinningAmount)
	}
	return c
}

// DeriveAuctionID calcula keccak256(poolId ‖ startUnixNano ‖ nonce).
// El nonce por pool evita colisiones cuando dos triggers comparten timestamp.
func DeriveAuctionID(pool PoolID, start time.Time, nonce uint64) AuctionID {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(start.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return crypto.Keccak256Hash(pool.Bytes(), buf[:])
}
