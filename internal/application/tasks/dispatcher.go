// Package tasks relaya tareas de coordinación off-chain al ledger de subastas.
//
// Una tarea es un JSON {id, type, parameters}. El dispatcher valida la forma,
// traduce los parámetros a tipos del dominio y llama al Engine; el resultado
// vuelve como JSON para que el coordinador lo firme y lo publique.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Type es el tipo de tarea.
type Type string

const (
	TypeShieldMonitoring Type = "shield_monitoring"
	TypeAuctionCreation  Type = "auction_creation"
	TypeBidValidation    Type = "bid_validation"
	TypeSettlement       Type = "settlement"
)

var (
	ErrEmptyTaskID     = errors.New("tasks: task id cannot be empty")
	ErrEmptyParameters = errors.New("tasks: task parameters cannot be empty")
	ErrUnknownType     = errors.New("tasks: unknown task type")
	ErrBadParameter    = errors.New("tasks: invalid parameter")
)

// Task es una petición del coordinador.
type Task struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

// Result es la respuesta serializable de una tarea.
type Result struct {
	TaskID string `json:"task_id"`
	Type   Type   `json:"type"`
	Data   any    `json:"data"`
}

// Ledger es lo que el dispatcher necesita del Engine.
type Ledger interface {
	EvaluateTrigger(ctx context.Context, sig auction.TradeSignal) domain.TriggerDecision
	BeforeTrade(ctx context.Context, sig auction.TradeSignal) (auction.TradeOutcome, error)
	AfterTrade(ctx context.Context, pool domain.PoolID) (*domain.Auction, error)
	Finalize(ctx context.Context, id domain.AuctionID) (domain.Auction, error)
	CheckReveal(ctx context.Context, id domain.AuctionID, bidder common.Address, amount *uint256.Int, secret common.Hash) error
	PoolState(pool domain.PoolID) domain.AuctionState
	Now() time.Time
}

// TradeParams son los parámetros de shield_monitoring y auction_creation.
type TradeParams struct {
	PoolID    string `json:"pool_id"`
	Pair      string `json:"pair"`
	PoolPrice string `json:"pool_price"` // entero, 18 decimales
	TradeSize string `json:"trade_size"` // con signo; se usa la magnitud
}

// BidParams son los parámetros de bid_validation.
type BidParams struct {
	AuctionID string `json:"auction_id"`
	Bidder    string `json:"bidder"`
	Amount    string `json:"amount"`
	Secret    string `json:"secret"`
}

// SettlementParams: auction_id fuerza el cierre; pool_id solo cierra si venció.
type SettlementParams struct {
	AuctionID string `json:"auction_id,omitempty"`
	PoolID    string `json:"pool_id,omitempty"`
}

// MonitoringData es el resultado de shield_monitoring.
type MonitoringData struct {
	PoolID       string `json:"pool_id"`
	Fire         bool   `json:"fire"`
	Reason       string `json:"reason"`
	DeviationBps string `json:"deviation_bps,omitempty"`
	State        string `json:"state"`
}

// AuctionData resume una subasta en las respuestas.
type AuctionData struct {
	AuctionID     string `json:"auction_id"`
	PoolID        string `json:"pool_id"`
	State         string `json:"state"`
	Winner        string `json:"winner,omitempty"`
	WinningAmount string `json:"winning_amount"`
	TotalBids     uint64 `json:"total_bids"`
}

// CreationData es el resultado de auction_creation.
type CreationData struct {
	Fire   bool         `json:"fire"`
	Reason string       `json:"reason"`
	Opened *AuctionData `json:"opened,omitempty"`
	Active *AuctionData `json:"active,omitempty"`
}

// ValidationData es el resultado de bid_validation.
type ValidationData struct {
	Valid  bool   `json:"valid"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SettlementData es el resultado de settlement.
type SettlementData struct {
	Settled bool         `json:"settled"`
	Auction *AuctionData `json:"auction,omitempty"`
}

// Dispatcher enruta tareas al ledger.
type Dispatcher struct {
	ledger Ledger
}

// NewDispatcher crea un dispatcher sobre ledger.
func NewDispatcher(ledger Ledger) *Dispatcher {
	return &Dispatcher{ledger: ledger}
}

// Parse decodifica una tarea cruda.
func Parse(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("tasks.Parse: %w", err)
	}
	return t, nil
}

// request es una tarea validada con los parámetros ya traducidos a tipos
// del dominio. Solo el campo del tipo de la tarea está relleno.
type request struct {
	signal     auction.TradeSignal
	bid        bidRequest
	settlement settlementRequest
}

type bidRequest struct {
	auctionID domain.AuctionID
	bidder    common.Address
	amount    *uint256.Int
	secret    common.Hash
}

// settlementRequest: byAuction fuerza el cierre de auctionID; si no, se
// cierra la subasta de pool solo si venció.
type settlementRequest struct {
	byAuction bool
	auctionID domain.AuctionID
	pool      domain.PoolID
}

// Validate comprueba que la tarea está bien formada sin ejecutarla.
func (d *Dispatcher) Validate(t Task) error {
	_, err := d.prepare(t)
	return err
}

func (d *Dispatcher) prepare(t Task) (request, error) {
	if strings.TrimSpace(t.ID) == "" {
		return request{}, ErrEmptyTaskID
	}
	if len(t.Parameters) == 0 || string(t.Parameters) == "null" {
		return request{}, ErrEmptyParameters
	}
	var (
		req request
		err error
	)
	switch t.Type {
	case TypeShieldMonitoring, TypeAuctionCreation:
		var p TradeParams
		if err = decode(t.Parameters, &p); err == nil {
			req.signal, err = p.Signal()
		}
	case TypeBidValidation:
		var p BidParams
		if err = decode(t.Parameters, &p); err == nil {
			req.bid, err = p.parse()
		}
	case TypeSettlement:
		var p SettlementParams
		if err = decode(t.Parameters, &p); err == nil {
			req.settlement, err = p.parse()
		}
	default:
		return request{}, fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}
	if err != nil {
		return request{}, fmt.Errorf("tasks.Validate %s: %w", t.ID, err)
	}
	return req, nil
}

// Handle valida y ejecuta la tarea.
func (d *Dispatcher) Handle(ctx context.Context, t Task) (Result, error) {
	req, err := d.prepare(t)
	if err != nil {
		return Result{}, err
	}
	slog.Info("handling task", "task", t.ID, "type", t.Type)

	var data any
	switch t.Type {
	case TypeShieldMonitoring:
		data, err = d.monitor(ctx, req.signal)
	case TypeAuctionCreation:
		data, err = d.create(ctx, req.signal)
	case TypeBidValidation:
		data, err = d.validateBid(ctx, req.bid)
	case TypeSettlement:
		data, err = d.settle(ctx, req.settlement)
	}
	if err != nil {
		slog.Error("task failed", "task", t.ID, "type", t.Type, "err", err)
		return Result{}, fmt.Errorf("tasks.Handle %s: %w", t.ID, err)
	}
	return Result{TaskID: t.ID, Type: t.Type, Data: data}, nil
}

func (d *Dispatcher) monitor(ctx context.Context, sig auction.TradeSignal) (MonitoringData, error) {
	dec := d.ledger.EvaluateTrigger(ctx, sig)
	out := MonitoringData{
		PoolID: sig.PoolID.Hex(),
		Fire:   dec.Fire,
		Reason: dec.Reason,
		State:  d.ledger.PoolState(sig.PoolID).String(),
	}
	if dec.DeviationBps != nil {
		out.DeviationBps = dec.DeviationBps.Dec()
	}
	return out, nil
}

func (d *Dispatcher) create(ctx context.Context, sig auction.TradeSignal) (CreationData, error) {
	res, err := d.ledger.BeforeTrade(ctx, sig)
	if err != nil {
		return CreationData{}, err
	}
	now := d.ledger.Now()
	return CreationData{
		Fire:   res.Decision.Fire,
		Reason: res.Decision.Reason,
		Opened: toAuctionData(res.Opened, now),
		Active: toAuctionData(res.Active, now),
	}, nil
}

// validateBid es de solo lectura: un rechazo del ledger es un resultado, no un error.
func (d *Dispatcher) validateBid(ctx context.Context, b bidRequest) (ValidationData, error) {
	if err := d.ledger.CheckReveal(ctx, b.auctionID, b.bidder, b.amount, b.secret); err != nil {
		kind := domain.KindOf(err)
		if kind == domain.KindUnknown {
			return ValidationData{}, err
		}
		return ValidationData{Valid: false, Kind: kind.String(), Reason: err.Error()}, nil
	}
	return ValidationData{Valid: true}, nil
}

func (d *Dispatcher) settle(ctx context.Context, s settlementRequest) (SettlementData, error) {
	if s.byAuction {
		a, err := d.ledger.Finalize(ctx, s.auctionID)
		if err != nil {
			return SettlementData{}, err
		}
		return SettlementData{Settled: true, Auction: toAuctionData(&a, d.ledger.Now())}, nil
	}

	a, err := d.ledger.AfterTrade(ctx, s.pool)
	if err != nil {
		return SettlementData{}, err
	}
	return SettlementData{Settled: a != nil, Auction: toAuctionData(a, d.ledger.Now())}, nil
}

func decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParameter, err)
	}
	return nil
}

// Signal traduce los parámetros a una señal de trade del Engine.
func (p TradeParams) Signal() (auction.TradeSignal, error) {
	pool, err := parseHash("pool_id", p.PoolID)
	if err != nil {
		return auction.TradeSignal{}, err
	}
	price, err := domain.ParseAmount(p.PoolPrice)
	if err != nil {
		return auction.TradeSignal{}, fmt.Errorf("%w: pool_price: %v", ErrBadParameter, err)
	}
	size := new(big.Int)
	if strings.TrimSpace(p.TradeSize) != "" {
		size, err = domain.ParseSignedAmount(p.TradeSize)
		if err != nil {
			return auction.TradeSignal{}, fmt.Errorf("%w: trade_size: %v", ErrBadParameter, err)
		}
	}
	return auction.TradeSignal{
		PoolID:    pool,
		Pair:      p.Pair,
		PoolPrice: price,
		TradeSize: domain.Magnitude(size),
	}, nil
}

func (p BidParams) parse() (bidRequest, error) {
	id, err := parseHash("auction_id", p.AuctionID)
	if err != nil {
		return bidRequest{}, err
	}
	if !common.IsHexAddress(p.Bidder) {
		return bidRequest{}, fmt.Errorf("%w: bidder %q", ErrBadParameter, p.Bidder)
	}
	amount, err := domain.ParseAmount(p.Amount)
	if err != nil {
		return bidRequest{}, fmt.Errorf("%w: amount: %v", ErrBadParameter, err)
	}
	secret, err := parseHash("secret", p.Secret)
	if err != nil {
		return bidRequest{}, err
	}
	return bidRequest{auctionID: id, bidder: common.HexToAddress(p.Bidder), amount: amount, secret: secret}, nil
}

func (p SettlementParams) parse() (settlementRequest, error) {
	switch {
	case p.AuctionID != "" && p.PoolID != "":
		return settlementRequest{}, fmt.Errorf("%w: auction_id and pool_id are exclusive", ErrBadParameter)
	case p.AuctionID != "":
		id, err := parseHash("auction_id", p.AuctionID)
		return settlementRequest{byAuction: true, auctionID: id}, err
	case p.PoolID != "":
		pool, err := parseHash("pool_id", p.PoolID)
		return settlementRequest{pool: pool}, err
	default:
		return settlementRequest{}, fmt.Errorf("%w: auction_id or pool_id required", ErrBadParameter)
	}
}

// parseHash acepta bytes32 en hex con prefijo 0x. Un valor corto se
// rellena por la izquierda, como hace common.HexToHash.
func parseHash(field, s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || len(s) < 3 || len(s) > 66 {
		return common.Hash{}, fmt.Errorf("%w: %s %q", ErrBadParameter, field, s)
	}
	digits := s[2:]
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hexutil.Decode("0x" + digits)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s %q: %v", ErrBadParameter, field, s, err)
	}
	return common.BytesToHash(b), nil
}

func toAuctionData(a *domain.Auction, now time.Time) *AuctionData {
	if a == nil {
		return nil
	}
	out := &AuctionData{
		AuctionID:     a.ID.Hex(),
		PoolID:        a.PoolID.Hex(),
		State:         a.State(now).String(),
		WinningAmount: domain.AmountString(a.WinningAmount),
		TotalBids:     a.TotalBids,
	}
	if a.Winner != (common.Address{}) {
		out.Winner = a.Winner.Hex()
	}
	return out
}
