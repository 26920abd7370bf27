package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alejandrodnm/lvrshield/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Distribution es el resultado de repartir una puja ganadora.
type Distribution struct {
	PoolID    domain.PoolID
	Winner    common.Address
	Total     *uint256.Int
	Shares    domain.Shares
	PoolShare *uint256.Int                    // lo que acabó en el reward pool agregado
	LPCredits map[common.Address]*uint256.Int // solo en modo pro_rata
}

// RewardBook guarda el reward pool de cada pool y los saldos reclamables.
// No es thread-safe: el Engine lo protege con su mutex.
type RewardBook struct {
	pools     map[domain.PoolID]*uint256.Int
	claimable map[domain.PoolID]map[common.Address]*uint256.Int
}

// NewRewardBook crea un libro vacío.
func NewRewardBook() *RewardBook {
	return &RewardBook{
		pools:     make(map[domain.PoolID]*uint256.Int),
		claimable: make(map[domain.PoolID]map[common.Address]*uint256.Int),
	}
}

// CreditPool suma amount al reward pool agregado.
func (r *RewardBook) CreditPool(pool domain.PoolID, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	cur, ok := r.pools[pool]
	if !ok {
		cur = new(uint256.Int)
		r.pools[pool] = cur
	}
	cur.Add(cur, amount)
}

// Credit suma amount al saldo reclamable de account.
func (r *RewardBook) Credit(pool domain.PoolID, account common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	accounts, ok := r.claimable[pool]
	if !ok {
		accounts = make(map[common.Address]*uint256.Int)
		r.claimable[pool] = accounts
	}
	cur, ok := accounts[account]
	if !ok {
		cur = new(uint256.Int)
		accounts[account] = cur
	}
	cur.Add(cur, amount)
}

// Take deja a cero el saldo de account y devuelve lo que había.
func (r *RewardBook) Take(pool domain.PoolID, account common.Address) *uint256.Int {
	out := new(uint256.Int)
	if cur, ok := r.claimable[pool][account]; ok {
		out.Set(cur)
		cur.Clear()
	}
	return out
}

// Claimable devuelve el saldo reclamable (copia).
func (r *RewardBook) Claimable(pool domain.PoolID, account common.Address) *uint256.Int {
	if cur, ok := r.claimable[pool][account]; ok {
		return new(uint256.Int).Set(cur)
	}
	return new(uint256.Int)
}

// PoolRewards devuelve el reward pool agregado (copia).
func (r *RewardBook) PoolRewards(pool domain.PoolID) *uint256.Int {
	if cur, ok := r.pools[pool]; ok {
		return new(uint256.Int).Set(cur)
	}
	return new(uint256.Int)
}

// Distribute reparte total según split. La parte LP va al reward pool o,
// en modo pro_rata con snapshot no vacío, a cada LP según su posición;
// el resto de la división entera va al reward pool.
func (r *RewardBook) Distribute(
	pool domain.PoolID,
	winner, feeRecipient common.Address,
	total *uint256.Int,
	split domain.RewardSplit,
	mode domain.LPDistributionMode,
	snap *PositionSnapshot,
) Distribution {
	shares := split.Apply(total)
	d := Distribution{
		PoolID:    pool,
		Winner:    winner,
		Total:     new(uint256.Int).Set(total),
		Shares:    shares,
		PoolShare: new(uint256.Int).Set(shares.LP),
	}

	if mode == domain.LPProRata && snap != nil && !snap.Total.IsZero() && len(snap.Order) > 0 {
		d.LPCredits = make(map[common.Address]*uint256.Int, len(snap.Order))
		credited := new(uint256.Int)
		for _, lp := range snap.Order {
			c := mulDiv(shares.LP, snap.Positions[lp], snap.Total)
			if c.IsZero() {
				continue
			}
			r.Credit(pool, lp, c)
			d.LPCredits[lp] = c
			credited.Add(credited, c)
		}
		d.PoolShare.Sub(shares.LP, credited)
	}

	r.CreditPool(pool, d.PoolShare)
	r.Credit(pool, winner, shares.OperatorTotal())
	r.Credit(pool, feeRecipient, shares.Protocol)
	return d
}

// mulDiv calcula x*y/z con resultado truncado, usando 512 bits intermedios.
func mulDiv(x, y, z *uint256.Int) *uint256.Int {
	if z == nil || z.IsZero() || x == nil || y == nil {
		return new(uint256.Int)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow {
		// y <= z en todos los llamadores, así que no ocurre.
		return new(uint256.Int)
	}
	return out
}

// distributeLocked acredita la puja ganadora. Requiere e.mu.
func (e *Engine) distributeLocked(a *domain.Auction, now time.Time) (Distribution, domain.Event) {
	var snap *PositionSnapshot
	if s, ok := e.snapshots[a.ID]; ok {
		snap = &s
	}
	d := e.rewards.Distribute(a.PoolID, a.Winner, e.cfg.FeeRecipient, a.WinningAmount, e.cfg.Split, e.cfg.LPMode, snap)
	delete(e.snapshots, a.ID)

	ev := newEvent(domain.EventRewardsDistributed, a.PoolID, now, a)
	ev.Actor = a.Winner
	ev.Amount = new(uint256.Int).Set(d.Total)
	ev.Detail = fmt.Sprintf("lp=%s operator=%s protocol=%s gas=%s",
		d.Shares.LP.Dec(), d.Shares.Operator.Dec(), d.Shares.Protocol.Dec(), d.Shares.Gas.Dec())
	return d, ev
}

// Distribute acredita total fuera de una subasta (recuperación administrativa).
// El reparto LP siempre es agregado: no hay snapshot asociado.
func (e *Engine) Distribute(ctx context.Context, pool domain.PoolID, winner common.Address, total *uint256.Int) (Distribution, error) {
	if total == nil || total.IsZero() {
		return Distribution{}, fmt.Errorf("auction.Distribute: %w: zero total", domain.ErrInvalidAmount)
	}
	if winner == (common.Address{}) {
		return Distribution{}, fmt.Errorf("auction.Distribute: %w: zero winner", domain.ErrInvalidAmount)
	}

	e.mu.Lock()
	now := e.now()
	d := e.rewards.Distribute(pool, winner, e.cfg.FeeRecipient, total, e.cfg.Split, domain.LPPooled, nil)
	ev := newEvent(domain.EventRewardsDistributed, pool, now, nil)
	ev.Actor = winner
	ev.Amount = new(uint256.Int).Set(total)
	e.emitLocked(ev)
	e.mu.Unlock()

	e.flush(ctx)
	return d, nil
}

// Claim retira el saldo reclamable de account a través del puerto de
// transferencia. Si la transferencia falla sin haber salido, el saldo se
// restituye. Si salió pero no se confirmó (*domain.TransferPendingError)
// el importe queda como claim pendiente hasta ResolveClaim, y Claim
// devuelve la referencia junto con el error.
func (e *Engine) Claim(ctx context.Context, pool domain.PoolID, account common.Address) (*uint256.Int, string, error) {
	e.mu.Lock()
	amount := e.rewards.Take(pool, account)
	e.mu.Unlock()

	if amount.IsZero() {
		return nil, "", fmt.Errorf("auction.Claim: %w", domain.ErrNothingToClaim)
	}

	ref, err := e.transfer.Transfer(ctx, account, amount)
	if pe, ok := domain.AsTransferPending(err); ok {
		e.mu.Lock()
		pc := domain.PendingClaim{
			Ref:     pe.Ref,
			PoolID:  pool,
			Account: account,
			Amount:  new(uint256.Int).Set(amount),
			At:      e.now(),
		}
		e.pending[pe.Ref] = pc
		ev := newEvent(domain.EventClaimPending, pool, pc.At, nil)
		ev.Actor = account
		ev.Amount = new(uint256.Int).Set(amount)
		ev.Detail = pe.Ref
		e.emitLocked(ev)
		e.mu.Unlock()

		slog.Warn("claim transfer unconfirmed, held as pending",
			"pool", pool.Hex(),
			"account", account.Hex(),
			"amount", amount.Dec(),
			"ref", pe.Ref,
			"err", pe.Err,
		)
		e.flush(ctx)
		return amount, pe.Ref, fmt.Errorf("auction.Claim: %w", err)
	}
	if err != nil {
		e.mu.Lock()
		e.rewards.Credit(pool, account, amount)
		e.mu.Unlock()
		slog.Error("claim transfer failed, balance restored",
			"pool", pool.Hex(),
			"account", account.Hex(),
			"amount", amount.Dec(),
			"err", err,
		)
		return nil, "", fmt.Errorf("auction.Claim: transfer: %w", err)
	}

	e.mu.Lock()
	ev := newEvent(domain.EventRewardClaimed, pool, e.now(), nil)
	ev.Actor = account
	ev.Amount = new(uint256.Int).Set(amount)
	ev.Detail = ref
	e.emitLocked(ev)
	e.mu.Unlock()

	slog.Info("reward claimed", "pool", pool.Hex(), "account", account.Hex(), "amount", amount.Dec(), "ref", ref)
	e.flush(ctx)
	return amount, ref, nil
}

// PendingClaims devuelve los claims sin confirmar, del más antiguo al más nuevo.
func (e *Engine) PendingClaims() []domain.PendingClaim {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.PendingClaim, 0, len(e.pending))
	for _, pc := range e.pending {
		pc.Amount = new(uint256.Int).Set(pc.Amount)
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Ref < out[j].Ref
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// ResolveClaim cierra un claim pendiente tras comprobar el pago fuera de
// banda. confirmed=true lo da por pagado; false restituye el saldo, y solo
// debe usarse cuando la transacción ya no puede ejecutarse.
func (e *Engine) ResolveClaim(ctx context.Context, ref string, confirmed bool) (domain.PendingClaim, error) {
	e.mu.Lock()
	pc, ok := e.pending[ref]
	if !ok {
		e.mu.Unlock()
		return domain.PendingClaim{}, fmt.Errorf("auction.ResolveClaim: %w: %s", domain.ErrPendingClaimNotFound, ref)
	}
	delete(e.pending, ref)

	kind := domain.EventRewardClaimed
	if !confirmed {
		kind = domain.EventClaimRestored
		e.rewards.Credit(pc.PoolID, pc.Account, pc.Amount)
	}
	ev := newEvent(kind, pc.PoolID, e.now(), nil)
	ev.Actor = pc.Account
	ev.Amount = new(uint256.Int).Set(pc.Amount)
	ev.Detail = ref
	e.emitLocked(ev)
	e.mu.Unlock()

	slog.Info("pending claim resolved",
		"ref", ref,
		"account", pc.Account.Hex(),
		"amount", pc.Amount.Dec(),
		"confirmed", confirmed,
	)
	e.flush(ctx)
	return pc, nil
}

// Claimable devuelve el saldo reclamable de account en pool.
func (e *Engine) Claimable(pool domain.PoolID, account common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rewards.Claimable(pool, account)
}

// PoolRewards devuelve el reward pool agregado de los LPs.
func (e *Engine) PoolRewards(pool domain.PoolID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rewards.PoolRewards(pool)
}
