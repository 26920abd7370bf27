package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/holiman/uint256"
)

// TradeSignal es lo que el pool anfitrión notifica antes de cada trade.
type TradeSignal struct {
	PoolID    domain.PoolID
	Pair      string       // par del price feed; vacío = PoolID en hex
	PoolPrice *uint256.Int // 18 decimales
	TradeSize *uint256.Int // magnitud absoluta
}

func (s TradeSignal) pair() string {
	if s.Pair != "" {
		return s.Pair
	}
	return s.PoolID.Hex()
}

// TradeOutcome resume lo que pasó en un BeforeTrade.
type TradeOutcome struct {
	Decision  domain.TriggerDecision
	Opened    *domain.Auction // subasta abierta por esta llamada
	Finalized *domain.Auction // subasta vencida cerrada al entrar
	Active    *domain.Auction // subasta activa tras la llamada
}

// EvaluateTrigger consulta el price feed y aplica la regla de trigger.
// No toca el estado del ledger. Errores del feed suprimen el trigger.
func (e *Engine) EvaluateTrigger(ctx context.Context, sig TradeSignal) domain.TriggerDecision {
	pair := sig.pair()

	stale, err := e.feed.IsStale(ctx, pair)
	if err != nil {
		slog.Warn("price feed staleness check failed", "pair", pair, "err", err)
		return domain.TriggerDecision{Reason: domain.ReasonFeedError}
	}
	var ref *uint256.Int
	if !stale {
		ref, err = e.feed.GetPrice(ctx, pair)
		if err != nil {
			slog.Warn("price feed read failed", "pair", pair, "err", err)
			return domain.TriggerDecision{Reason: domain.ReasonFeedError}
		}
	}

	return domain.EvaluateTrigger(e.cfg.Trigger, domain.TriggerInput{
		PoolPrice: sig.PoolPrice,
		RefPrice:  ref,
		RefStale:  stale,
		TradeSize: sig.TradeSize,
	})
}

// BeforeTrade es el hook previo a cada trade: cierra la subasta vencida del
// pool, evalúa el trigger y abre una subasta nueva si procede.
func (e *Engine) BeforeTrade(ctx context.Context, sig TradeSignal) (TradeOutcome, error) {
	decision := e.EvaluateTrigger(ctx, sig)
	out := TradeOutcome{Decision: decision}

	e.mu.Lock()
	now := e.now()
	var events []domain.Event

	if id, ok := e.active[sig.PoolID]; ok {
		if a := e.auctions[id]; a.HasEnded(now) {
			events = append(events, e.finalizeLocked(a, now)...)
			c := a.Clone()
			out.Finalized = &c
		}
	}

	_, busy := e.active[sig.PoolID]
	switch {
	case !decision.Fire:
	case e.paused:
		slog.Info("trigger suppressed: engine paused", "pool", sig.PoolID.Hex())
	case busy:
		slog.Debug("trigger ignored: auction already active", "pool", sig.PoolID.Hex())
	default:
		a := e.openLocked(sig.PoolID, now)
		ev := newEvent(domain.EventAuctionOpened, a.PoolID, now, a)
		if decision.DeviationBps != nil {
			ev.Detail = fmt.Sprintf("deviation_bps=%s", decision.DeviationBps.Dec())
		}
		events = append(events, ev)
		c := a.Clone()
		out.Opened = &c
	}

	if id, ok := e.active[sig.PoolID]; ok {
		c := e.auctions[id].Clone()
		out.Active = &c
	}
	e.emitLocked(events...)
	e.mu.Unlock()

	if out.Opened != nil {
		dev := ""
		if decision.DeviationBps != nil {
			dev = decision.DeviationBps.Dec()
		}
		slog.Info("auction opened",
			"pool", sig.PoolID.Hex(),
			"auction", out.Opened.ID.Hex(),
			"deviation_bps", dev,
			"ends_at", out.Opened.EndsAt().Format(time.RFC3339Nano),
		)
	}
	e.flush(ctx)
	return out, nil
}

// AfterTrade es el hook posterior a cada trade: finalización perezosa.
// Devuelve la subasta cerrada, o nil si no había nada que cerrar.
func (e *Engine) AfterTrade(ctx context.Context, pool domain.PoolID) (*domain.Auction, error) {
	e.mu.Lock()
	now := e.now()
	id, ok := e.active[pool]
	if !ok {
		e.mu.Unlock()
		return nil, nil
	}
	a := e.auctions[id]
	if !a.HasEnded(now) {
		e.mu.Unlock()
		return nil, nil
	}
	e.emitLocked(e.finalizeLocked(a, now)...)
	c := a.Clone()
	e.mu.Unlock()

	e.flush(ctx)
	return &c, nil
}

// Finalize es el camino administrativo para pools que dejaron de operar.
// Idempotente: sobre una subasta completa no hace nada.
func (e *Engine) Finalize(ctx context.Context, id domain.AuctionID) (domain.Auction, error) {
	e.mu.Lock()
	now := e.now()
	a, ok := e.auctions[id]
	if !ok {
		e.mu.Unlock()
		return domain.Auction{}, fmt.Errorf("auction.Finalize: %w: %s", domain.ErrAuctionNotFound, id.Hex())
	}
	if a.IsComplete {
		c := a.Clone()
		e.mu.Unlock()
		return c, nil
	}
	if !a.HasEnded(now) {
		e.mu.Unlock()
		return domain.Auction{}, fmt.Errorf("auction.Finalize: %w: ends at %s",
			domain.ErrAuctionNotEnded, a.EndsAt().Format(time.RFC3339Nano))
	}
	e.emitLocked(e.finalizeLocked(a, now)...)
	c := a.Clone()
	e.mu.Unlock()

	e.flush(ctx)
	return c, nil
}

// openLocked crea la subasta y apunta el pool a ella. Requiere e.mu.
func (e *Engine) openLocked(pool domain.PoolID, now time.Time) *domain.Auction {
	e.nonces[pool]++
	nonce := e.nonces[pool]

	a := &domain.Auction{
		ID:            domain.DeriveAuctionID(pool, now, nonce),
		PoolID:        pool,
		Nonce:         nonce,
		StartTime:     now,
		Duration:      e.cfg.Duration,
		IsActive:      true,
		WinningAmount: new(uint256.Int),
	}
	e.auctions[a.ID] = a
	e.books[a.ID] = NewBidBook()
	e.active[pool] = a.ID
	if e.cfg.LPMode == domain.LPProRata {
		e.snapshots[a.ID] = e.positions.Snapshot(pool)
	}
	return a
}

// finalizeLocked cierra una subasta vencida y reparte si hubo ganador.
// Requiere e.mu. Devuelve los eventos a publicar tras soltar el lock.
func (e *Engine) finalizeLocked(a *domain.Auction, now time.Time) []domain.Event {
	if a.IsComplete {
		return nil
	}
	a.IsActive = false
	a.IsComplete = true
	if cur, ok := e.active[a.PoolID]; ok && cur == a.ID {
		delete(e.active, a.PoolID)
	}

	ended := newEvent(domain.EventAuctionEnded, a.PoolID, now, a)
	ended.Actor = a.Winner
	ended.Amount = new(uint256.Int).Set(a.WinningAmount)
	events := []domain.Event{ended}

	if a.HasWinner() {
		d, ev := e.distributeLocked(a, now)
		events = append(events, ev)
		slog.Info("auction finalized",
			"pool", a.PoolID.Hex(),
			"auction", a.ID.Hex(),
			"winner", a.Winner.Hex(),
			"amount", a.WinningAmount.Dec(),
			"lp_share", d.Shares.LP.Dec(),
			"bids", a.TotalBids,
		)
	} else {
		delete(e.snapshots, a.ID)
		slog.Info("auction finalized without winner",
			"pool", a.PoolID.Hex(),
			"auction", a.ID.Hex(),
			"bids", a.TotalBids,
		)
	}
	return events
}

// Auction devuelve una copia de la subasta id.
func (e *Engine) Auction(id domain.AuctionID) (domain.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.auctions[id]
	if !ok {
		return domain.Auction{}, fmt.Errorf("auction.Auction: %w: %s", domain.ErrAuctionNotFound, id.Hex())
	}
	return a.Clone(), nil
}

// ActiveAuction devuelve la subasta activa del pool, si la hay.
// Puede estar vencida pero aún no finalizada.
func (e *Engine) ActiveAuction(pool domain.PoolID) (domain.Auction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[pool]
	if !ok {
		return domain.Auction{}, false
	}
	return e.auctions[id].Clone(), true
}

// PoolState devuelve el estado observable del pool en este instante.
func (e *Engine) PoolState(pool domain.PoolID) domain.AuctionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[pool]
	if !ok {
		return domain.StateNoAuction
	}
	return e.auctions[id].State(e.now())
}

// Auctions devuelve todas las subastas ordenadas por inicio.
func (e *Engine) Auctions() []domain.Auction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Auction, 0, len(e.auctions))
	for _, a := range e.auctions {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}
