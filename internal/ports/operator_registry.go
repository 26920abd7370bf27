package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// OperatorRegistry es el registro externo de operadores atestiguados.
type OperatorRegistry interface {
	// IsRegistered devuelve true si el operador está registrado.
	// Un error se trata como "no registrado" por el llamador.
	IsRegistered(ctx context.Context, operator common.Address) (bool, error)
}
