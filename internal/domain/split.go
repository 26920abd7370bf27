package domain

import (
	"fmt"

	"github.com/holiman/uint256"
)

// RewardSplit reparte la puja ganadora en basis points.
// La suma de los cuatro campos debe ser exactamente 10000.
type RewardSplit struct {
	LPBps       uint64 // al reward pool de los LPs
	OperatorBps uint64 // al operador ganador
	ProtocolBps uint64 // al fee recipient del protocolo
	GasBps      uint64 // compensación de gas, se suma a la parte del operador
}

// DefaultRewardSplit es la configuración de referencia 85/10/3/2.
func DefaultRewardSplit() RewardSplit {
	return RewardSplit{LPBps: 8500, OperatorBps: 1000, ProtocolBps: 300, GasBps: 200}
}

// Validate comprueba que el reparto suma 100%.
func (s RewardSplit) Validate() error {
	sum := s.LPBps + s.OperatorBps + s.ProtocolBps + s.GasBps
	if sum != BpsDenominator {
		return fmt.Errorf("%w: got %d", ErrInvalidSplit, sum)
	}
	return nil
}

// Shares es el resultado de aplicar un RewardSplit a un importe.
type Shares struct {
	LP       *uint256.Int
	Operator *uint256.Int
	Protocol *uint256.Int
	Gas      *uint256.Int
}

// Sum devuelve la suma de las cuatro partes.
func (s Shares) Sum() *uint256.Int {
	out := new(uint256.Int).Add(s.LP, s.Operator)
	out.Add(out, s.Protocol)
	return out.Add(out, s.Gas)
}

// OperatorTotal es lo que se acredita al ganador: operador + gas.
func (s Shares) OperatorTotal() *uint256.Int {
	return new(uint256.Int).Add(s.Operator, s.Gas)
}

// Apply divide total en las cuatro partes con truncamiento entero.
// La suma puede quedar hasta 3 unidades por debajo de total; ese residuo
// es una pérdida de redondeo aceptada y no se contabiliza.
func (s RewardSplit) Apply(total *uint256.Int) Shares {
	return Shares{
		LP:       bpsOf(total, s.LPBps),
		Operator: bpsOf(total, s.OperatorBps),
		Protocol: bpsOf(total, s.ProtocolBps),
		Gas:      bpsOf(total, s.GasBps),
	}
}

// bpsOf calcula total * bps / 10000 sin desbordar: total/10000*bps + (total%10000)*bps/10000.
func bpsOf(total *uint256.Int, bps uint64) *uint256.Int {
	if total == nil || total.IsZero() || bps == 0 {
		return new(uint256.Int)
	}
	den := uint256.NewInt(BpsDenominator)
	b := uint256.NewInt(bps)

	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(total, den, r)

	out := new(uint256.Int).Mul(q, b)
	r.Mul(r, b)
	r.Div(r, den)
	return out.Add(out, r)
}
