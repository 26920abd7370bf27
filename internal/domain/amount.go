package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceDecimals es la convención fixed-point del price feed.
const PriceDecimals = 18

// ParseAmount parsea un entero decimal no negativo ("1000000000000000000").
// Vacío se interpreta como cero.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return v, nil
}

// ParseSignedAmount parsea un delta con signo, tal como lo envía el pool anfitrión.
func ParseSignedAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q exceeds 256 bits", ErrInvalidAmount, s)
	}
	return v, nil
}

// Magnitude devuelve |v| como uint256. v debe caber en 256 bits.
func Magnitude(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, _ := uint256.FromBig(new(big.Int).Abs(v))
	return out
}

// FormatUnits representa x con la cantidad de decimales dada ("1.02" para 1.02e18).
func FormatUnits(x *uint256.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -decimals).String()
}

// AmountString devuelve la representación decimal entera, "0" para nil.
func AmountString(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}
