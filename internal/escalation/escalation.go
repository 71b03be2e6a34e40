// Package escalation holds the pure rules that decide whether a dispute is
// large enough and far enough from the current price to be accepted.
package escalation

import (
	"math/big"

	"github.com/moltbunker/bondoracle/internal/fixedpoint"
)

// Halted reports whether escalation has stopped scaling by the multiplier
func Halted(oldAmount1, halt *big.Int) bool {
	return halt.Cmp(oldAmount1) <= 0
}

// RequiredNextAmount returns the exact token1 amount the next dispute must bond.
//
// While halt > old the bond scales by multiplier percent, capped at halt.
// Once halted every dispute adds a single unit.
func RequiredNextAmount(oldAmount1 *big.Int, multiplier uint32, halt *big.Int) *big.Int {
	if Halted(oldAmount1, halt) {
		return new(big.Int).Add(oldAmount1, big.NewInt(1))
	}
	next := fixedpoint.ApplyPercent(oldAmount1, multiplier)
	if next.Cmp(halt) > 0 {
		return new(big.Int).Set(halt)
	}
	return next
}

// Band is the closed interval of prices a dispute may not land in
type Band struct {
	Lower *big.Int
	Upper *big.Int
}

// PriceBand returns the band around oldPrice for the combined fee rate.
//
//	lower = oldPrice * 1e7 / (1e7 + feeSum)
//	upper = oldPrice + oldPrice * feeSum / 1e7
func PriceBand(oldPrice *big.Int, feeSum uint32) Band {
	denom := fixedpoint.RateDenominatorInt()
	denom.Add(denom, new(big.Int).SetUint64(uint64(feeSum)))
	lower := fixedpoint.MulDiv(oldPrice, fixedpoint.RateDenominatorInt(), denom)

	upper := fixedpoint.ApplyRate(oldPrice, feeSum)
	upper.Add(upper, oldPrice)

	return Band{Lower: lower, Upper: upper}
}

// Contains reports whether price lies within [Lower, Upper]
func (b Band) Contains(price *big.Int) bool {
	return price.Cmp(b.Lower) >= 0 && price.Cmp(b.Upper) <= 0
}
