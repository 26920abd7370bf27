package ports

import (
	"context"

	"github.com/alejandrodnm/lvrshield/internal/domain"
)

// EventSink recibe las notificaciones del ciclo de vida.
// Son observacionales: un fallo aquí nunca revierte el estado del ledger.
type EventSink interface {
	Publish(ctx context.Context, events []domain.Event) error
}
