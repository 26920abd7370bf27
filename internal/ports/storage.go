package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
)

// AuditReader consulta el histórico persistido de subastas y eventos.
type AuditReader interface {
	// GetAuctionHistory devuelve las subastas abiertas en el rango dado,
	// más recientes primero.
	GetAuctionHistory(ctx context.Context, from, to time.Time) ([]domain.Auction, error)

	// GetEvents devuelve los eventos de una subasta en orden de llegada.
	GetEvents(ctx context.Context, auctionID domain.AuctionID) ([]domain.Event, error)
}

// AuditStorage es el almacenamiento completo: sink de eventos + lecturas.
type AuditStorage interface {
	EventSink
	AuditReader

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
