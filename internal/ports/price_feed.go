package ports

import (
	"context"

	"github.com/holiman/uint256"
)

// PriceFeed da el precio de referencia externo de un par.
// Precios en fixed-point de 18 decimales.
type PriceFeed interface {
	// GetPrice devuelve el último precio conocido del par.
	GetPrice(ctx context.Context, pair string) (*uint256.Int, error)

	// IsStale indica si la última lectura del par está caducada.
	IsStale(ctx context.Context, pair string) (bool, error)
}
