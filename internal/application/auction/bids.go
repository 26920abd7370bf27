package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BidBook guarda commitments y pujas reveladas de una subasta.
// No es thread-safe: el Engine lo protege con su mutex.
type BidBook struct {
	commitments map[common.Address]common.Hash
	reveals     map[common.Address]domain.RevealedBid
	order       []common.Address // orden de reveal, para reportes
}

// NewBidBook crea un libro vacío.
func NewBidBook() *BidBook {
	return &BidBook{
		commitments: make(map[common.Address]common.Hash),
		reveals:     make(map[common.Address]domain.RevealedBid),
	}
}

// Commit registra el commitment de bidder. Write-once.
func (b *BidBook) Commit(bidder common.Address, commitment common.Hash) error {
	if _, ok := b.commitments[bidder]; ok {
		return domain.ErrAlreadyCommitted
	}
	b.commitments[bidder] = commitment
	return nil
}

// CheckReveal valida un reveal sin mutar nada.
func (b *BidBook) CheckReveal(bidder common.Address, amount *uint256.Int, secret common.Hash, minBid *uint256.Int) error {
	c, ok := b.commitments[bidder]
	if !ok {
		return domain.ErrNoCommitment
	}
	if _, done := b.reveals[bidder]; done {
		return domain.ErrAlreadyRevealed
	}
	if amount == nil || !domain.VerifyCommitment(c, bidder, amount, secret) {
		return domain.ErrCommitmentMismatch
	}
	if minBid != nil && amount.Lt(minBid) {
		return fmt.Errorf("%w: %s < %s", domain.ErrBidBelowMinimum, amount.Dec(), minBid.Dec())
	}
	return nil
}

// Reveal valida y registra la puja revelada.
func (b *BidBook) Reveal(bidder common.Address, amount *uint256.Int, secret common.Hash, minBid *uint256.Int, at time.Time) error {
	if err := b.CheckReveal(bidder, amount, secret, minBid); err != nil {
		return err
	}
	b.reveals[bidder] = domain.RevealedBid{
		Bidder:     bidder,
		Amount:     new(uint256.Int).Set(amount),
		Revealed:   true,
		RevealTime: at,
	}
	b.order = append(b.order, bidder)
	return nil
}

// Commitment devuelve el commitment de bidder, si existe.
func (b *BidBook) Commitment(bidder common.Address) (common.Hash, bool) {
	c, ok := b.commitments[bidder]
	return c, ok
}

// Revealed devuelve las pujas reveladas en orden de llegada (copias).
func (b *BidBook) Revealed() []domain.RevealedBid {
	out := make([]domain.RevealedBid, 0, len(b.order))
	for _, addr := range b.order {
		r := b.reveals[addr]
		r.Amount = new(uint256.Int).Set(r.Amount)
		out = append(out, r)
	}
	return out
}

// Commit registra un commitment sellado. Abierto a cualquiera.
func (e *Engine) Commit(ctx context.Context, id domain.AuctionID, bidder common.Address, commitment common.Hash) error {
	e.mu.Lock()
	now := e.now()
	a, ok := e.auctions[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("auction.Commit: %w: %s", domain.ErrAuctionNotFound, id.Hex())
	}
	if !a.AcceptsBids(now) {
		e.mu.Unlock()
		return fmt.Errorf("auction.Commit: %w", domain.ErrAuctionNotActive)
	}
	if err := e.books[id].Commit(bidder, commitment); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("auction.Commit: %w", err)
	}
	a.TotalBids++

	ev := newEvent(domain.EventBidCommitted, a.PoolID, now, a)
	ev.Actor = bidder
	ev.Detail = commitment.Hex()
	e.emitLocked(ev)
	e.mu.Unlock()

	slog.Debug("bid committed", "auction", id.Hex(), "bidder", bidder.Hex(), "total_bids", ev.Auction.TotalBids)
	e.flush(ctx)
	return nil
}

// Reveal abre una puja sellada. Solo operadores autorizados.
// El ganador cambia únicamente con un importe estrictamente mayor.
func (e *Engine) Reveal(ctx context.Context, id domain.AuctionID, bidder common.Address, amount *uint256.Int, secret common.Hash) error {
	if !e.auth.IsAuthorized(ctx, bidder) {
		e.rejectOperator(ctx, id, bidder)
		return fmt.Errorf("auction.Reveal: %w: %s", domain.ErrUnauthorizedOperator, bidder.Hex())
	}

	e.mu.Lock()
	now := e.now()
	a, ok := e.auctions[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("auction.Reveal: %w: %s", domain.ErrAuctionNotFound, id.Hex())
	}
	if !a.AcceptsBids(now) {
		e.mu.Unlock()
		return fmt.Errorf("auction.Reveal: %w", domain.ErrAuctionNotActive)
	}
	if err := e.books[id].Reveal(bidder, amount, secret, e.cfg.MinBid, now); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("auction.Reveal: %w", err)
	}
	leader := false
	if a.WinningAmount == nil || amount.Gt(a.WinningAmount) {
		a.Winner = bidder
		a.WinningAmount = new(uint256.Int).Set(amount)
		leader = true
	}

	ev := newEvent(domain.EventBidRevealed, a.PoolID, now, a)
	ev.Actor = bidder
	ev.Amount = new(uint256.Int).Set(amount)
	e.emitLocked(ev)
	e.mu.Unlock()

	slog.Info("bid revealed",
		"auction", id.Hex(),
		"bidder", bidder.Hex(),
		"amount", amount.Dec(),
		"leader", leader,
	)
	e.flush(ctx)
	return nil
}

// CheckReveal hace la misma validación que Reveal sin registrar nada.
// Lo usan las herramientas de operador antes de enviar el reveal.
func (e *Engine) CheckReveal(ctx context.Context, id domain.AuctionID, bidder common.Address, amount *uint256.Int, secret common.Hash) error {
	if !e.auth.IsAuthorized(ctx, bidder) {
		return fmt.Errorf("auction.CheckReveal: %w: %s", domain.ErrUnauthorizedOperator, bidder.Hex())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.auctions[id]
	if !ok {
		return fmt.Errorf("auction.CheckReveal: %w: %s", domain.ErrAuctionNotFound, id.Hex())
	}
	if !a.AcceptsBids(e.now()) {
		return fmt.Errorf("auction.CheckReveal: %w", domain.ErrAuctionNotActive)
	}
	if err := e.books[id].CheckReveal(bidder, amount, secret, e.cfg.MinBid); err != nil {
		return fmt.Errorf("auction.CheckReveal: %w", err)
	}
	return nil
}

// Bids devuelve las pujas reveladas de una subasta en orden de reveal.
func (e *Engine) Bids(id domain.AuctionID) ([]domain.RevealedBid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[id]
	if !ok {
		return nil, fmt.Errorf("auction.Bids: %w: %s", domain.ErrAuctionNotFound, id.Hex())
	}
	return book.Revealed(), nil
}

func (e *Engine) rejectOperator(ctx context.Context, id domain.AuctionID, bidder common.Address) {
	slog.Warn("reveal rejected: operator not authorized", "auction", id.Hex(), "operator", bidder.Hex())

	e.mu.Lock()
	var pool domain.PoolID
	if a, ok := e.auctions[id]; ok {
		pool = a.PoolID
	}
	ev := newEvent(domain.EventOperatorRejected, pool, e.now(), nil)
	ev.AuctionID = id
	ev.Actor = bidder
	ev.Detail = domain.ErrUnauthorizedOperator.Error()
	e.emitLocked(ev)
	e.mu.Unlock()

	e.flush(ctx)
}
