// Package httpapi expone el ledger por HTTP: hooks del pool anfitrión,
// commit/reveal de operadores, claims, consultas y administración.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/application/auction"
	"github.com/alejandrodnm/lvrshield/internal/application/tasks"
	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/alejandrodnm/lvrshield/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config controla el servidor HTTP.
type Config struct {
	Addr              string
	JWTSecret         string // HS256; vacío deshabilita las rutas host/admin
	RequireSignatures bool
	RequestTimeout    time.Duration
}

// Server agrupa las dependencias de los handlers.
type Server struct {
	cfg        Config
	engine     *auction.Engine
	history    ports.AuditReader
	dispatcher *tasks.Dispatcher
}

// New crea el servidor. history puede ser nil: el histórico sale entonces
// de la memoria del Engine.
func New(cfg Config, engine *auction.Engine, history ports.AuditReader) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		cfg:        cfg,
		engine:     engine,
		history:    history,
		dispatcher: tasks.NewDispatcher(engine),
	}
}

// Router construye el árbol de rutas.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pools/{pool}", s.handlePool)
		r.Get("/pools/{pool}/claimable/{account}", s.handleClaimable)
		r.Get("/auctions", s.handleHistory)
		r.Get("/auctions/{id}", s.handleAuction)
		r.Get("/auctions/{id}/bids", s.handleBids)
		r.Get("/auctions/{id}/events", s.handleEvents)

		// operadores: identidad probada por firma
		r.Post("/auctions/{id}/commit", s.handleCommit)
		r.Post("/auctions/{id}/reveal", s.handleReveal)
		r.Post("/pools/{pool}/claim", s.handleClaim)

		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(RoleHost))
			r.Post("/hooks/before-trade", s.handleBeforeTrade)
			r.Post("/hooks/after-trade", s.handleAfterTrade)
			r.Post("/hooks/liquidity", s.handleLiquidity)
			r.Post("/tasks", s.handleTask)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireRole(RoleAdmin))
			r.Post("/auctions/{id}/finalize", s.handleFinalize)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/distribute", s.handleDistribute)
			r.Get("/operators", s.handleOperators)
			r.Post("/operators", s.handleAllowOperator)
			r.Delete("/operators/{address}", s.handleRevokeOperator)
			r.Get("/claims/pending", s.handlePendingClaims)
			r.Post("/claims/{ref}/resolve", s.handleResolveClaim)
		})
	})

	return r
}

// ListenAndServe atiende hasta que ctx se cancela y luego hace shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"paused": s.engine.Paused(),
		"time":   time.Now().UTC(),
	})
}

// ---- consultas ----

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := hashParam(r, "pool")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	view := poolView{
		PoolID:         pool.Hex(),
		State:          s.engine.PoolState(pool).String(),
		Paused:         s.engine.Paused(),
		TotalLiquidity: domain.AmountString(s.engine.TotalLiquidity(pool)),
		RewardPool:     domain.AmountString(s.engine.PoolRewards(pool)),
	}
	if a, ok := s.engine.ActiveAuction(pool); ok {
		view.Active = toAuctionView(a)
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	pool, err := hashParam(r, "pool")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"pool_id":   pool.Hex(),
		"account":   account.Hex(),
		"claimable": domain.AmountString(s.engine.Claimable(pool, account)),
	})
}

func (s *Server) handleAuction(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.engine.Auction(id)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAuctionView(a))
}

func (s *Server) handleBids(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bids, err := s.engine.Bids(id)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	out := make([]bidView, 0, len(bids))
	for _, b := range bids {
		out = append(out, bidView{
			Bidder:     b.Bidder.Hex(),
			Amount:     domain.AmountString(b.Amount),
			RevealTime: b.RevealTime.UTC(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var auctions []domain.Auction
	if s.history != nil {
		auctions, err = s.history.GetAuctionHistory(r.Context(), from, to)
		if err != nil {
			slog.Error("history query failed", "err", err)
			respondError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
	} else {
		for _, a := range s.engine.Auctions() {
			if !a.StartTime.Before(from) && a.StartTime.Before(to) {
				auctions = append(auctions, a)
			}
		}
	}

	out := make([]auctionView, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, *toAuctionView(a))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "no audit store configured")
		return
	}
	id, err := hashParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.history.GetEvents(r.Context(), id)
	if err != nil {
		slog.Error("events query failed", "auction", id.Hex(), "err", err)
		respondError(w, http.StatusInternalServerError, "events unavailable")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventView(ev))
	}
	respondJSON(w, http.StatusOK, out)
}

// ---- operadores ----

type commitRequest struct {
	Bidder     string `json:"bidder"`
	Commitment string `json:"commitment"`
	Signature  string `json:"signature"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req commitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bidder, err := parseAddress("bidder", req.Bidder)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	commitment, err := parseHash("commitment", req.Commitment)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.verifySigner(CommitDigest(id, bidder, commitment), req.Signature, bidder); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := s.engine.Commit(r.Context(), id, bidder, commitment); err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "committed"})
}

type revealRequest struct {
	Bidder    string `json:"bidder"`
	Amount    string `json:"amount"`
	Secret    string `json:"secret"`
	Signature string `json:"signature"`
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req revealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bidder, err := parseAddress("bidder", req.Bidder)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	secret, err := parseHash("secret", req.Secret)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.verifySigner(RevealDigest(id, bidder, amount, secret), req.Signature, bidder); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := s.engine.Reveal(r.Context(), id, bidder, amount, secret); err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "revealed"})
}

type claimRequest struct {
	Account   string `json:"account"`
	Signature string `json:"signature"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	pool, err := hashParam(r, "pool")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.verifySigner(ClaimDigest(pool, account), req.Signature, account); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	amount, ref, err := s.engine.Claim(r.Context(), pool, account)
	if _, ok := domain.AsTransferPending(err); ok {
		respondJSON(w, http.StatusAccepted, map[string]string{
			"amount":    amount.Dec(),
			"reference": ref,
			"status":    "pending",
		})
		return
	}
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			respondError(w, http.StatusBadGateway, "transfer failed, balance restored")
			return
		}
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"amount":    amount.Dec(),
		"reference": ref,
		"status":    "confirmed",
	})
}

// ---- hooks del pool anfitrión ----

func (s *Server) handleBeforeTrade(w http.ResponseWriter, r *http.Request) {
	var req tasks.TradeParams
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := req.Signal()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.engine.BeforeTrade(r.Context(), sig)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	view := tradeView{Fire: out.Decision.Fire, Reason: out.Decision.Reason}
	if out.Decision.DeviationBps != nil {
		view.DeviationBps = out.Decision.DeviationBps.Dec()
	}
	if out.Opened != nil {
		view.Opened = toAuctionView(*out.Opened)
	}
	if out.Finalized != nil {
		view.Finalized = toAuctionView(*out.Finalized)
	}
	if out.Active != nil {
		view.Active = toAuctionView(*out.Active)
	}
	respondJSON(w, http.StatusOK, view)
}

type afterTradeRequest struct {
	PoolID string `json:"pool_id"`
}

func (s *Server) handleAfterTrade(w http.ResponseWriter, r *http.Request) {
	var req afterTradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pool, err := parseHash("pool_id", req.PoolID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	finalized, err := s.engine.AfterTrade(r.Context(), pool)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	resp := map[string]interface{}{"finalized": finalized != nil}
	if finalized != nil {
		resp["auction"] = toAuctionView(*finalized)
	}
	respondJSON(w, http.StatusOK, resp)
}

type liquidityRequest struct {
	PoolID   string `json:"pool_id"`
	Provider string `json:"provider"`
	Delta    string `json:"delta"` // con signo
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	var req liquidityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pool, err := parseHash("pool_id", req.PoolID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	provider, err := parseAddress("provider", req.Provider)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	delta, err := domain.ParseSignedAmount(req.Delta)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.ModifyPosition(r.Context(), pool, provider, delta); err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"position": domain.AmountString(s.engine.Position(pool, provider)),
		"total":    domain.AmountString(s.engine.TotalLiquidity(pool)),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var t tasks.Task
	if err := decodeJSON(w, r, &t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dispatcher.Validate(t); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.dispatcher.Handle(r.Context(), t)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ---- administración ----

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.engine.Finalize(r.Context(), id)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAuctionView(a))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	slog.Warn("shield paused via api", "by", subject(r))
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.engine.Unpause()
	slog.Info("shield unpaused via api", "by", subject(r))
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type distributeRequest struct {
	PoolID string `json:"pool_id"`
	Winner string `json:"winner"`
	Amount string `json:"amount"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pool, err := parseHash("pool_id", req.PoolID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	winner, err := parseAddress("winner", req.Winner)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.engine.Distribute(r.Context(), pool, winner, amount)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"lp":       d.Shares.LP.Dec(),
		"operator": d.Shares.Operator.Dec(),
		"protocol": d.Shares.Protocol.Dec(),
		"gas":      d.Shares.Gas.Dec(),
	})
}

func (s *Server) handleOperators(w http.ResponseWriter, r *http.Request) {
	allowed := s.engine.Authorizer().Allowed()
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		out = append(out, a.Hex())
	}
	respondJSON(w, http.StatusOK, out)
}

type operatorRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAllowOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.Authorizer().Allow(addr)
	slog.Info("operator allowed", "operator", addr.Hex(), "by", subject(r))
	respondJSON(w, http.StatusOK, map[string]string{"allowed": addr.Hex()})
}

func (s *Server) handleRevokeOperator(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.Authorizer().Revoke(addr)
	slog.Info("operator revoked", "operator", addr.Hex(), "by", subject(r))
	respondJSON(w, http.StatusOK, map[string]string{"revoked": addr.Hex()})
}

func (s *Server) handlePendingClaims(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.PendingClaims()
	out := make([]pendingClaimView, 0, len(pending))
	for _, pc := range pending {
		out = append(out, toPendingClaimView(pc))
	}
	respondJSON(w, http.StatusOK, map[string]any{"claims": out})
}

type resolveRequest struct {
	Confirmed *bool `json:"confirmed"`
}

func (s *Server) handleResolveClaim(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Confirmed == nil {
		respondError(w, http.StatusBadRequest, "confirmed is required")
		return
	}
	ref := chi.URLParam(r, "ref")
	pc, err := s.engine.ResolveClaim(r.Context(), ref, *req.Confirmed)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	slog.Info("pending claim resolved via api", "ref", ref, "confirmed", *req.Confirmed, "by", subject(r))
	respondJSON(w, http.StatusOK, toPendingClaimView(pc))
}

// ---- helpers ----

func subject(r *http.Request) string {
	sub, _ := r.Context().Value(subjectKey).(string)
	return sub
}

func hashParam(r *http.Request, name string) (common.Hash, error) {
	return parseHash(name, chi.URLParam(r, name))
}

// parseHash exige bytes32 completo en hex: 0x + 64 dígitos.
func parseHash(field, s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("invalid %s %q", field, s)
	}
	var h common.Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return common.Hash{}, fmt.Errorf("invalid %s %q", field, s)
	}
	return h, nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// timeRange lee ?from=&to= en RFC3339. Por defecto, las últimas 24h.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

// statusFor mapea la clase del error del ledger a un código HTTP.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindConfiguration:
		return http.StatusBadRequest
	case domain.KindState:
		return http.StatusConflict
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindIntegrity:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	}
	if errors.Is(err, tasks.ErrBadParameter) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  domain.KindOf(err).String(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
