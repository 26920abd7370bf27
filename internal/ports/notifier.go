package ports

import (
	"context"

	"github.com/alejandrodnm/lvrshield/internal/domain"
)

// Reporter presenta el histórico de subastas al usuario.
type Reporter interface {
	// Report muestra las subastas, más recientes primero.
	// En la implementación de consola, imprime una tabla formateada.
	Report(ctx context.Context, auctions []domain.Auction) error
}
