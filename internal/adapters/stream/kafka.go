// Package stream publica las notificaciones del ledger en Kafka para los
// indexadores off-chain.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
)

// Config son los parámetros del productor.
type Config struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int           // por defecto 3
	WriteTimeout time.Duration // por intento, por defecto 10s
}

// messageWriter es la parte de *kafka.Writer que usamos.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implementa ports.EventSink sobre kafka-go.
// La key de cada mensaje es el pool, así los eventos de un pool quedan en
// la misma partición y conservan el orden en que el Engine los entrega
// (un Publish a la vez, en el orden de las transiciones).
type Producer struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

// record es el formato JSON publicado.
type record struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	PoolID    string `json:"pool_id"`
	AuctionID string `json:"auction_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Detail    string `json:"detail,omitempty"`
	At        string `json:"at"`

	Winner        string `json:"winner,omitempty"`
	WinningAmount string `json:"winning_amount,omitempty"`
	TotalBids     uint64 `json:"total_bids,omitempty"`
	IsComplete    bool   `json:"is_complete,omitempty"`
}

// NewProducer crea un productor. Falla si faltan brokers o topic.
func NewProducer(cfg Config) (*Producer, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newProducer(w, cfg), nil
}

func withDefaults(cfg Config) (Config, error) {
	if len(cfg.Brokers) == 0 {
		return cfg, errors.New("stream: at least one broker required")
	}
	if cfg.Topic == "" {
		return cfg, errors.New("stream: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return cfg, nil
}

func newProducer(w messageWriter, cfg Config) *Producer {
	return &Producer{
		writer:       w,
		topic:        cfg.Topic,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
	}
}

// Publish envía el lote con reintentos y backoff exponencial.
func (p *Producer) Publish(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(toRecord(ev))
		if err != nil {
			return fmt.Errorf("stream.Publish: marshal %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: ev.PoolID.Bytes(), Value: b, Time: ev.At})
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msgs...)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Debug("kafka write failed", "topic", p.topic, "attempt", attempt, "err", err)

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("stream.Publish: %w", ctx.Err())
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("stream.Publish: failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close libera el writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func toRecord(ev domain.Event) record {
	r := record{
		ID:     ev.ID,
		Kind:   string(ev.Kind),
		PoolID: ev.PoolID.Hex(),
		Detail: ev.Detail,
		At:     ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.AuctionID != (domain.AuctionID{}) {
		r.AuctionID = ev.AuctionID.Hex()
	}
	if ev.Actor != (common.Address{}) {
		r.Actor = ev.Actor.Hex()
	}
	if ev.Amount != nil {
		r.Amount = ev.Amount.Dec()
	}
	if a := ev.Auction; a != nil {
		if a.Winner != (common.Address{}) {
			r.Winner = a.Winner.Hex()
		}
		r.WinningAmount = domain.AmountString(a.WinningAmount)
		r.TotalBids = a.TotalBids
		r.IsComplete = a.IsComplete
	}
	return r
}
