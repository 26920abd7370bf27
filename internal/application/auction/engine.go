package auction

// engine.go: ledger único de subastas LVR.
//
// Todas las entradas que mutan estado (open, commit, reveal, finalize,
// distribute, claim, posiciones) pasan por un único mutex. Ninguna
// actualización parcial es observable: o la llamada completa, o el estado
// queda intacto. La I/O externa (price feed, registro de operadores,
// transferencias, sinks de eventos) se hace siempre fuera del lock.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/alejandrodnm/lvrshield/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Config contiene los parámetros del ledger.
type Config struct {
	MinBid       *uint256.Int // MIN_BID
	Duration     time.Duration
	Trigger      domain.TriggerParams
	Split        domain.RewardSplit
	FeeRecipient common.Address
	LPMode       domain.LPDistributionMode
}

// DefaultConfig devuelve la configuración de referencia sin fee recipient.
func DefaultConfig() Config {
	return Config{
		MinBid:   uint256.NewInt(1),
		Duration: domain.DefaultAuctionDuration,
		Trigger: domain.TriggerParams{
			ThresholdBps: 100,
			MinTradeSize: new(uint256.Int),
		},
		Split:  domain.DefaultRewardSplit(),
		LPMode: domain.LPPooled,
	}
}

// Validate rechaza configuraciones que no deben llegar a desplegarse.
func (c Config) Validate() error {
	if c.FeeRecipient == (common.Address{}) {
		return domain.ErrZeroFeeRecipient
	}
	if c.Trigger.ThresholdBps < 1 || c.Trigger.ThresholdBps > domain.BpsDenominator {
		return fmt.Errorf("%w: got %d", domain.ErrThresholdRange, c.Trigger.ThresholdBps)
	}
	if c.Duration <= 0 {
		return domain.ErrInvalidDuration
	}
	if c.MinBid == nil {
		return fmt.Errorf("%w: min bid not set", domain.ErrInvalidAmount)
	}
	if _, err := domain.ParseLPDistributionMode(string(c.LPMode)); err != nil {
		return err
	}
	return c.Split.Validate()
}

// Engine es el gestor del ciclo de vida y el dueño de todo el estado del ledger.
type Engine struct {
	cfg      Config
	feed     ports.PriceFeed
	auth     *Authorizer
	transfer ports.AssetTransfer
	sink     ports.EventSink
	now      func() time.Time

	mu        sync.Mutex
	paused    bool
	auctions  map[domain.AuctionID]*domain.Auction
	active    map[domain.PoolID]domain.AuctionID
	nonces    map[domain.PoolID]uint64
	books     map[domain.AuctionID]*BidBook
	snapshots map[domain.AuctionID]PositionSnapshot
	positions *PositionTracker
	rewards   *RewardBook
	pending   map[string]domain.PendingClaim
	outbox    []domain.Event

	// serializa la entrega a los sinks; se toma antes que mu
	pubMu sync.Mutex
}

// New crea un Engine con todas las dependencias inyectadas.
// sink puede ser nil si nadie consume los eventos.
func New(
	cfg Config,
	feed ports.PriceFeed,
	auth *Authorizer,
	transfer ports.AssetTransfer,
	sink ports.EventSink,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("auction.New: %w", err)
	}
	if feed == nil || auth == nil || transfer == nil {
		return nil, fmt.Errorf("auction.New: %w", domain.ErrMissingCollaborator)
	}
	if cfg.LPMode == "" {
		cfg.LPMode = domain.LPPooled
	}
	if cfg.Trigger.MinTradeSize == nil {
		cfg.Trigger.MinTradeSize = new(uint256.Int)
	}

	return &Engine{
		cfg:       cfg,
		feed:      feed,
		auth:      auth,
		transfer:  transfer,
		sink:      sink,
		now:       time.Now,
		auctions:  make(map[domain.AuctionID]*domain.Auction),
		active:    make(map[domain.PoolID]domain.AuctionID),
		nonces:    make(map[domain.PoolID]uint64),
		books:     make(map[domain.AuctionID]*BidBook),
		snapshots: make(map[domain.AuctionID]PositionSnapshot),
		positions: NewPositionTracker(),
		rewards:   NewRewardBook(),
		pending:   make(map[string]domain.PendingClaim),
	}, nil
}

// SetClock reemplaza el reloj (tests y replays).
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Now devuelve la hora del reloj del Engine.
func (e *Engine) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

// Config devuelve la configuración efectiva.
func (e *Engine) Config() Config {
	return e.cfg
}

// Authorizer expone el predicado de autorización para administración.
func (e *Engine) Authorizer() *Authorizer {
	return e.auth
}

// Pause impide abrir nuevas subastas. Las subastas en curso siguen su ciclo.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	slog.Warn("auction engine paused")
}

// Unpause vuelve a permitir nuevas subastas.
func (e *Engine) Unpause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	slog.Info("auction engine unpaused")
}

// Paused indica si la apertura de subastas está bloqueada.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// emitLocked encola eventos en el orden de las transiciones. Requiere e.mu.
func (e *Engine) emitLocked(events ...domain.Event) {
	if e.sink == nil {
		return
	}
	e.outbox = append(e.outbox, events...)
}

// flush entrega la cola a los sinks. Solo hay un flush a la vez, así los
// sinks ven los eventos en el orden de emitLocked aunque varias llamadas
// terminen a la vez. Los fallos solo se loguean.
func (e *Engine) flush(ctx context.Context) {
	if e.sink == nil {
		return
	}
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	e.mu.Lock()
	events := e.outbox
	e.outbox = nil
	e.mu.Unlock()

	if len(events) == 0 {
		return
	}
	// la cola puede llevar eventos de otras llamadas: no depende del ctx de esta
	if err := e.sink.Publish(context.WithoutCancel(ctx), events); err != nil {
		slog.Warn("event sink error", "events", len(events), "err", err)
	}
}

// newEvent construye una observación. snapshot puede ser nil.
func newEvent(kind domain.EventKind, pool domain.PoolID, at time.Time, snapshot *domain.Auction) domain.Event {
	ev := domain.Event{
		ID:     uuid.New().String(),
		Kind:   kind,
		PoolID: pool,
		At:     at,
	}
	if snapshot != nil {
		c := snapshot.Clone()
		ev.AuctionID = c.ID
		ev.Auction = &c
	}
	return ev
}

// MultiSink reparte los eventos entre varios sinks. Sigue con el resto
// aunque uno falle y devuelve el último error.
type MultiSink []ports.EventSink

// Publish implementa ports.EventSink.
func (m MultiSink) Publish(ctx context.Context, events []domain.Event) error {
	var lastErr error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, events); err != nil {
			slog.Warn("sink publish failed", "sink", fmt.Sprintf("%T", s), "err", err)
			lastErr = err
		}
	}
	return lastErr
}
