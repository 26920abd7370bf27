package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetTransfer libera valor reclamado hacia su destinatario.
type AssetTransfer interface {
	// Transfer envía amount a recipient y devuelve una referencia
	// (tx hash o id de journal) para auditoría.
	Transfer(ctx context.Context, recipient common.Address, amount *uint256.Int) (string, error)
}
