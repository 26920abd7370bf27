package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// RevealedBid es la puja revelada de un operador en una subasta.
type RevealedBid struct {
	Bidder     common.Address
	Amount     *uint256.Int
	Revealed   bool
	RevealTime time.Time
}

// ComputeCommitment calcula el commitment sellado de una puja.
//
// Fórmula: keccak256(bidder(20B) ‖ amount(32B big-endian) ‖ secret(32B)),
// el mismo layout que abi.encodePacked(address, uint256, bytes32).
func ComputeCommitment(bidder common.Address, amount *uint256.Int, secret common.Hash) common.Hash {
	var amt [32]byte
	if amount != nil {
		amt = amount.Bytes32()
	}
	return crypto.Keccak256Hash(bidder.Bytes(), amt[:], secret.Bytes())
}

// VerifyCommitment recalcula el hash y lo compara por igualdad exacta.
func VerifyCommitment(commitment common.Hash, bidder common.Address, amount *uint256.Int, secret common.Hash) bool {
	return ComputeCommitment(bidder, amount, secret) == commitment
}
