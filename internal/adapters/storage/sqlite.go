package storage

// sqlite.go: registro de auditoría del ledger de subastas.
//
// Estrategia:
//   - `events`: append-only, una fila por notificación del ciclo de vida.
//   - `auctions`: UNA fila por subasta (UPSERT) con el último snapshot.
//     El ledger en memoria es la fuente de verdad; esto es solo para consulta.
//   - `payouts`: diario de transferencias en modo paper (sin cadena).
//   - Cache en memoria: evita reescribir la subasta si el snapshot no cambió.
//   - Prune al arrancar: eventos con más de 90 días.

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/alejandrodnm/lvrshield/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"
)

const schema = `
-- Notificaciones del ciclo de vida, append-only
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    kind       TEXT    NOT NULL,
    pool_id    TEXT    NOT NULL,
    auction_id TEXT    NOT NULL DEFAULT '',
    actor      TEXT    NOT NULL DEFAULT '',
    amount     TEXT    NOT NULL DEFAULT '',
    detail     TEXT    NOT NULL DEFAULT '',
    at         INTEGER NOT NULL
);

-- Último snapshot de cada subasta
CREATE TABLE IF NOT EXISTS auctions (
    auction_id     TEXT PRIMARY KEY,
    pool_id        TEXT    NOT NULL,
    nonce          INTEGER NOT NULL,
    start_time     INTEGER NOT NULL,
    duration_ns    INTEGER NOT NULL,
    is_active      INTEGER NOT NULL DEFAULT 0,
    is_complete    INTEGER NOT NULL DEFAULT 0,
    winner         TEXT    NOT NULL DEFAULT '',
    winning_amount TEXT    NOT NULL DEFAULT '0',
    total_bids     INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL
);

-- Diario de pagos en modo paper
CREATE TABLE IF NOT EXISTS payouts (
    ref        TEXT PRIMARY KEY,
    recipient  TEXT    NOT NULL,
    amount     TEXT    NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_auction  ON events(auction_id, at);
CREATE INDEX IF NOT EXISTS idx_events_at       ON events(at DESC);
CREATE INDEX IF NOT EXISTS idx_auctions_start  ON auctions(start_time DESC);
CREATE INDEX IF NOT EXISTS idx_payouts_account ON payouts(recipient);
`

const retentionEvents = 90 * 24 * time.Hour

var (
	_ ports.AuditStorage  = (*SQLiteStorage)(nil)
	_ ports.AssetTransfer = (*SQLiteStorage)(nil)
)

// cachedState es el último snapshot guardado de una subasta.
type cachedState struct {
	active    bool
	complete  bool
	totalBids uint64
	winning   string
}

// SQLiteStorage implementa ports.AuditStorage y ports.AssetTransfer (paper)
// usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db    *sql.DB
	cache map[domain.AuctionID]cachedState
	mu    sync.Mutex
	now   func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema, limpia datos antiguos y precarga la cache.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{
		db:    db,
		cache: make(map[domain.AuctionID]cachedState),
		now:   time.Now,
	}
	s.pruneOld(context.Background())
	s.warmCache(context.Background())
	return s, nil
}

// Publish persiste los eventos y hace upsert de los snapshots que cambiaron.
func (s *SQLiteStorage) Publish(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Publish: begin tx: %w", err)
	}
	defer tx.Rollback()

	evStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, kind, pool_id, auction_id, actor, amount, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("storage.Publish: prepare events: %w", err)
	}
	defer evStmt.Close()

	auStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO auctions
			(auction_id, pool_id, nonce, start_time, duration_ns, is_active,
			 is_complete, winner, winning_amount, total_bids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(auction_id) DO UPDATE SET
			is_active      = CASE WHEN is_complete = 1 THEN 0 ELSE excluded.is_active END,
			is_complete    = MAX(is_complete, excluded.is_complete),
			winner         = excluded.winner,
			winning_amount = excluded.winning_amount,
			total_bids     = MAX(total_bids, excluded.total_bids),
			updated_at     = excluded.updated_at
		WHERE excluded.updated_at >= auctions.updated_at
	`)
	if err != nil {
		return fmt.Errorf("storage.Publish: prepare auctions: %w", err)
	}
	defer auStmt.Close()

	var pending []domain.Auction
	for _, ev := range events {
		if _, err := evStmt.ExecContext(ctx,
			ev.ID,
			string(ev.Kind),
			ev.PoolID.Hex(),
			hashOrEmpty(ev.AuctionID),
			addrOrEmpty(ev.Actor),
			amountOrEmpty(ev.Amount),
			ev.Detail,
			ev.At.UnixNano(),
		); err != nil {
			return fmt.Errorf("storage.Publish: insert event %s: %w", ev.ID, err)
		}

		if ev.Auction == nil || !s.changed(*ev.Auction) {
			continue
		}
		a := ev.Auction
		if _, err := auStmt.ExecContext(ctx,
			a.ID.Hex(),
			a.PoolID.Hex(),
			a.Nonce,
			a.StartTime.UnixNano(),
			int64(a.Duration),
			boolInt(a.IsActive),
			boolInt(a.IsComplete),
			addrOrEmpty(a.Winner),
			domain.AmountString(a.WinningAmount),
			a.TotalBids,
			ev.At.UnixNano(),
		); err != nil {
			return fmt.Errorf("storage.Publish: upsert auction %s: %w", a.ID.Hex(), err)
		}
		pending = append(pending, *a)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Publish: commit: %w", err)
	}

	// la cache solo refleja lo que llegó a disco
	s.mu.Lock()
	for _, a := range pending {
		s.cache[a.ID] = stateOf(a)
	}
	s.mu.Unlock()
	return nil
}

// GetAuctionHistory devuelve las subastas iniciadas en [from, to], más recientes primero.
func (s *SQLiteStorage) GetAuctionHistory(ctx context.Context, from, to time.Time) ([]domain.Auction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT auction_id, pool_id, nonce, start_time, duration_ns, is_active,
		       is_complete, winner, winning_amount, total_bids
		FROM auctions
		WHERE start_time BETWEEN ? AND ?
		ORDER BY start_time DESC, nonce DESC
	`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("storage.GetAuctionHistory: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		var (
			a                        domain.Auction
			id, pool, winner, amount string
			start, duration          int64
			active, complete         int
		)
		if err := rows.Scan(&id, &pool, &a.Nonce, &start, &duration, &active,
			&complete, &winner, &amount, &a.TotalBids); err != nil {
			return nil, fmt.Errorf("storage.GetAuctionHistory: scan row: %w", err)
		}
		a.ID = common.HexToHash(id)
		a.PoolID = common.HexToHash(pool)
		a.StartTime = time.Unix(0, start).UTC()
		a.Duration = time.Duration(duration)
		a.IsActive = active == 1
		a.IsComplete = complete == 1
		if winner != "" {
			a.Winner = common.HexToAddress(winner)
		}
		a.WinningAmount, err = uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("storage.GetAuctionHistory: amount %q: %w", amount, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetEvents devuelve los eventos de una subasta en orden cronológico.
func (s *SQLiteStorage) GetEvents(ctx context.Context, id domain.AuctionID) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, pool_id, auction_id, actor, amount, detail, at
		FROM events
		WHERE auction_id = ?
		ORDER BY at ASC, rowid ASC
	`, id.Hex())
	if err != nil {
		return nil, fmt.Errorf("storage.GetEvents: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev                                 domain.Event
			kind, pool, auctionID, actor, amnt string
			at                                 int64
		)
		if err := rows.Scan(&ev.ID, &kind, &pool, &auctionID, &actor, &amnt, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("storage.GetEvents: scan row: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.PoolID = common.HexToHash(pool)
		ev.AuctionID = common.HexToHash(auctionID)
		if actor != "" {
			ev.Actor = common.HexToAddress(actor)
		}
		if amnt != "" {
			if ev.Amount, err = uint256.FromDecimal(amnt); err != nil {
				return nil, fmt.Errorf("storage.GetEvents: amount %q: %w", amnt, err)
			}
		}
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Transfer registra un pago en el diario paper y devuelve su referencia.
// Implementa ports.AssetTransfer para el modo -paper.
func (s *SQLiteStorage) Transfer(ctx context.Context, recipient common.Address, amount *uint256.Int) (string, error) {
	if amount == nil || amount.IsZero() {
		return "", fmt.Errorf("storage.Transfer: %w", domain.ErrInvalidAmount)
	}
	ref := "paper-" + uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO payouts (ref, recipient, amount, created_at) VALUES (?, ?, ?, ?)`,
		ref, recipient.Hex(), amount.Dec(), s.now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("storage.Transfer: insert payout: %w", err)
	}
	return ref, nil
}

// PaidTo devuelve el total pagado en paper a recipient.
func (s *SQLiteStorage) PaidTo(ctx context.Context, recipient common.Address) (*uint256.Int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM payouts WHERE recipient = ?`, recipient.Hex())
	if err != nil {
		return nil, fmt.Errorf("storage.PaidTo: query: %w", err)
	}
	defer rows.Close()

	total := new(uint256.Int)
	for rows.Next() {
		var amnt string
		if err := rows.Scan(&amnt); err != nil {
			return nil, fmt.Errorf("storage.PaidTo: scan row: %w", err)
		}
		v, err := uint256.FromDecimal(amnt)
		if err != nil {
			return nil, fmt.Errorf("storage.PaidTo: amount %q: %w", amnt, err)
		}
		total.Add(total, v)
	}
	return total, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// changed indica si el snapshot difiere del último guardado.
func (s *SQLiteStorage) changed(a domain.Auction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.cache[a.ID]
	return !ok || prev != stateOf(a)
}

func stateOf(a domain.Auction) cachedState {
	return cachedState{
		active:    a.IsActive,
		complete:  a.IsComplete,
		totalBids: a.TotalBids,
		winning:   domain.AmountString(a.WinningAmount),
	}
}

// pruneOld elimina eventos antiguos. Las subastas se conservan siempre.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := time.Now().Add(-retentionEvents).UnixNano()
	s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, cutoff)
}

// warmCache precarga la caché desde la DB al arrancar.
func (s *SQLiteStorage) warmCache(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT auction_id, is_active, is_complete, total_bids, winning_amount FROM auctions`,
	)
	if err != nil {
		return
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id, winning string
		var active, complete int
		var bids uint64
		if rows.Scan(&id, &active, &complete, &bids, &winning) == nil {
			s.cache[common.HexToHash(id)] = cachedState{
				active:    active == 1,
				complete:  complete == 1,
				totalBids: bids,
				winning:   winning,
			}
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func addrOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func amountOrEmpty(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return x.Dec()
}
