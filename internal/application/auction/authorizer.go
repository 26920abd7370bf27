package auction

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alejandrodnm/lvrshield/internal/ports"
	"github.com/ethereum/go-ethereum/common"
)

// Authorizer compone la allow-list local con el registro externo.
// Un operador está autorizado si aparece en cualquiera de los dos.
type Authorizer struct {
	registry ports.OperatorRegistry // puede ser nil: solo allow-list

	mu      sync.RWMutex
	allowed map[common.Address]struct{}
}

// NewAuthorizer crea el predicado con una allow-list inicial.
func NewAuthorizer(registry ports.OperatorRegistry, allow ...common.Address) *Authorizer {
	a := &Authorizer{
		registry: registry,
		allowed:  make(map[common.Address]struct{}, len(allow)),
	}
	for _, addr := range allow {
		a.allowed[addr] = struct{}{}
	}
	return a
}

// Allow añade addr a la allow-list.
func (a *Authorizer) Allow(addr common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[addr] = struct{}{}
}

// Revoke quita addr de la allow-list. El registro externo no se toca.
func (a *Authorizer) Revoke(addr common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, addr)
}

// Allowed devuelve una copia de la allow-list.
func (a *Authorizer) Allowed() []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Address, 0, len(a.allowed))
	for addr := range a.allowed {
		out = append(out, addr)
	}
	return out
}

// IsAuthorized evalúa allow-list OR registro. Falla cerrado: un error del
// registro cuenta como "no registrado".
func (a *Authorizer) IsAuthorized(ctx context.Context, addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	a.mu.RLock()
	_, ok := a.allowed[addr]
	a.mu.RUnlock()
	if ok {
		return true
	}
	if a.registry == nil {
		return false
	}
	registered, err := a.registry.IsRegistered(ctx, addr)
	if err != nil {
		slog.Warn("operator registry lookup failed, denying", "operator", addr.Hex(), "err", err)
		return false
	}
	return registered
}
