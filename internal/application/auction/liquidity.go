package auction

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionSnapshot es la foto de posiciones de un pool al abrir una subasta.
type PositionSnapshot struct {
	Total     *uint256.Int
	Positions map[common.Address]*uint256.Int
	Order     []common.Address // orden estable de reparto
}

type poolPositions struct {
	total     *uint256.Int
	positions map[common.Address]*uint256.Int
	order     []common.Address
}

// PositionTracker lleva la liquidez de cada proveedor por pool.
// No es thread-safe: el Engine lo protege con su mutex.
type PositionTracker struct {
	pools map[domain.PoolID]*poolPositions
}

// NewPositionTracker crea un tracker vacío.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{pools: make(map[domain.PoolID]*poolPositions)}
}

func (t *PositionTracker) pool(id domain.PoolID) *poolPositions {
	p, ok := t.pools[id]
	if !ok {
		p = &poolPositions{
			total:     new(uint256.Int),
			positions: make(map[common.Address]*uint256.Int),
		}
		t.pools[id] = p
	}
	return p
}

// Increase suma delta a la posición y al total. Si alguno desborda no se toca nada.
func (t *PositionTracker) Increase(pool domain.PoolID, provider common.Address, delta *uint256.Int) error {
	if delta == nil || delta.IsZero() {
		return nil
	}
	p := t.pool(pool)
	cur, ok := p.positions[provider]
	if !ok {
		cur = new(uint256.Int)
	}
	newPos, overflow := new(uint256.Int).AddOverflow(cur, delta)
	if overflow {
		return domain.ErrAmountOverflow
	}
	newTotal, overflow := new(uint256.Int).AddOverflow(p.total, delta)
	if overflow {
		return domain.ErrAmountOverflow
	}
	if !ok {
		p.order = append(p.order, provider)
	}
	p.positions[provider] = newPos
	p.total = newTotal
	return nil
}

// Decrease resta min(delta, posición) de la posición y la misma cantidad del
// total, que nunca baja de cero. Devuelve lo efectivamente retirado.
func (t *PositionTracker) Decrease(pool domain.PoolID, provider common.Address, delta *uint256.Int) *uint256.Int {
	removed := new(uint256.Int)
	if delta == nil || delta.IsZero() {
		return removed
	}
	p, ok := t.pools[pool]
	if !ok {
		return removed
	}
	cur, ok := p.positions[provider]
	if !ok {
		return removed
	}
	removed.Set(delta)
	if removed.Gt(cur) {
		removed.Set(cur)
	}
	cur.Sub(cur, removed)

	if removed.Gt(p.total) {
		p.total.Clear()
	} else {
		p.total.Sub(p.total, removed)
	}
	return removed
}

// Position devuelve la posición de provider (copia).
func (t *PositionTracker) Position(pool domain.PoolID, provider common.Address) *uint256.Int {
	if p, ok := t.pools[pool]; ok {
		if v, ok := p.positions[provider]; ok {
			return new(uint256.Int).Set(v)
		}
	}
	return new(uint256.Int)
}

// Total devuelve la liquidez total del pool (copia).
func (t *PositionTracker) Total(pool domain.PoolID) *uint256.Int {
	if p, ok := t.pools[pool]; ok {
		return new(uint256.Int).Set(p.total)
	}
	return new(uint256.Int)
}

// Snapshot copia las posiciones no nulas del pool.
func (t *PositionTracker) Snapshot(pool domain.PoolID) PositionSnapshot {
	snap := PositionSnapshot{
		Total:     new(uint256.Int),
		Positions: make(map[common.Address]*uint256.Int),
	}
	p, ok := t.pools[pool]
	if !ok {
		return snap
	}
	snap.Total.Set(p.total)
	for _, addr := range p.order {
		v := p.positions[addr]
		if v == nil || v.IsZero() {
			continue
		}
		snap.Positions[addr] = new(uint256.Int).Set(v)
		snap.Order = append(snap.Order, addr)
	}
	return snap
}

// IncreasePosition registra un alta de liquidez notificada por el pool anfitrión.
func (e *Engine) IncreasePosition(pool domain.PoolID, provider common.Address, delta *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.positions.Increase(pool, provider, delta); err != nil {
		return fmt.Errorf("auction.IncreasePosition: %w", err)
	}
	return nil
}

// DecreasePosition registra una baja de liquidez (con clamp).
func (e *Engine) DecreasePosition(pool domain.PoolID, provider common.Address, delta *uint256.Int) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := e.positions.Decrease(pool, provider, delta)
	if delta != nil && removed.Lt(delta) {
		slog.Debug("liquidity decrease clamped",
			"pool", pool.Hex(),
			"provider", provider.Hex(),
			"requested", delta.Dec(),
			"removed", removed.Dec(),
		)
	}
	return removed
}

// ModifyPosition despacha un delta con signo, tal como lo envía el anfitrión.
func (e *Engine) ModifyPosition(_ context.Context, pool domain.PoolID, provider common.Address, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	if delta.BitLen() > 256 {
		return fmt.Errorf("auction.ModifyPosition: %w", domain.ErrAmountOverflow)
	}
	mag := domain.Magnitude(delta)
	if delta.Sign() > 0 {
		return e.IncreasePosition(pool, provider, mag)
	}
	e.DecreasePosition(pool, provider, mag)
	return nil
}

// Position devuelve la posición de provider en pool.
func (e *Engine) Position(pool domain.PoolID, provider common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Position(pool, provider)
}

// TotalLiquidity devuelve la liquidez total registrada del pool.
func (e *Engine) TotalLiquidity(pool domain.PoolID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Total(pool)
}
