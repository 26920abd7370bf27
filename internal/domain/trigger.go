package domain

import "github.com/holiman/uint256"

// BpsDenominator es el 100% expresado en basis points.
const BpsDenominator = 10_000

// TriggerParams son los umbrales configurados del evaluador.
type TriggerParams struct {
	ThresholdBps uint64       // LVR_THRESHOLD_BPS, 1..10000
	MinTradeSize *uint256.Int // MIN_TRADE_SIZE, magnitud mínima del trade
}

// TriggerInput es lo que el pool anfitrión y el price feed aportan antes de un trade.
// Los precios usan la convención fixed-point de 18 decimales.
type TriggerInput struct {
	PoolPrice *uint256.Int
	RefPrice  *uint256.Int
	RefStale  bool
	TradeSize *uint256.Int // magnitud absoluta del trade
}

// TriggerDecision es el resultado detallado de una evaluación, útil para reportes.
type TriggerDecision struct {
	Fire         bool
	DeviationBps *uint256.Int // nil si no se llegó a calcular
	Reason       string
}

// Motivos de rechazo del evaluador.
const (
	ReasonTradeTooSmall = "trade_below_min_size"
	ReasonZeroPrice     = "zero_price"
	ReasonStaleFeed     = "stale_feed"
	ReasonFeedError     = "feed_unavailable"
	ReasonBelowThresh   = "deviation_below_threshold"
	ReasonTriggered     = "deviation_above_threshold"
)

// DeviationBps calcula |pool − ref| * 10000 / min(pool, ref).
//
// El divisor es siempre el menor de los dos precios. Devuelve ok=false si alguno
// de los precios es cero. Si la multiplicación desborda 256 bits el resultado
// se satura al máximo representable.
func DeviationBps(pool, ref *uint256.Int) (dev *uint256.Int, ok bool) {
	if pool == nil || ref == nil || pool.IsZero() || ref.IsZero() {
		return nil, false
	}

	diff := new(uint256.Int)
	divisor := pool
	if pool.Gt(ref) {
		diff.Sub(pool, ref)
		divisor = ref
	} else {
		diff.Sub(ref, pool)
	}

	scaled, overflow := new(uint256.Int).MulOverflow(diff, uint256.NewInt(BpsDenominator))
	if overflow {
		return new(uint256.Int).SetAllOne(), true
	}
	return scaled.Div(scaled, divisor), true
}

// EvaluateTrigger aplica la regla completa y explica la decisión.
// Función pura: nunca hace panic con valores límite.
func EvaluateTrigger(p TriggerParams, in TriggerInput) TriggerDecision {
	size := in.TradeSize
	if size == nil {
		size = new(uint256.Int)
	}
	if p.MinTradeSize != nil && size.Lt(p.MinTradeSize) {
		return TriggerDecision{Reason: ReasonTradeTooSmall}
	}
	if in.RefStale {
		return TriggerDecision{Reason: ReasonStaleFeed}
	}

	dev, ok := DeviationBps(in.PoolPrice, in.RefPrice)
	if !ok {
		return TriggerDecision{Reason: ReasonZeroPrice}
	}

	if dev.Lt(uint256.NewInt(p.ThresholdBps)) {
		return TriggerDecision{DeviationBps: dev, Reason: ReasonBelowThresh}
	}
	return TriggerDecision{Fire: true, DeviationBps: dev, Reason: ReasonTriggered}
}

// ShouldTrigger es la forma booleana de EvaluateTrigger.
func ShouldTrigger(p TriggerParams, in TriggerInput) bool {
	return EvaluateTrigger(p, in).Fire
}
