// Package fixedpoint implements the integer price model used by the oracle.
//
// A price is amount1 * Precision / amount2, truncated toward zero. Fee and
// protocol rates are expressed in parts per RateDenominator.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// PrecisionDecimals is the number of decimal places carried by a price
	PrecisionDecimals = 18

	// RateDenominator is the base for fee rates (1e7 = 100%)
	RateDenominator = 10_000_000

	// PercentBase is the base for escalation multipliers (100 = 1x)
	PercentBase = 100
)

var (
	// Precision is 10^18
	Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(PrecisionDecimals), nil)

	rateDenominator = big.NewInt(RateDenominator)
	percentBase     = big.NewInt(PercentBase)
)

// ErrZeroDenominator is returned when a division by zero would be required
var ErrZeroDenominator = errors.New("zero denominator")

// Price returns amount1 * Precision / amount2
func Price(amount1, amount2 *big.Int) (*big.Int, error) {
	if amount2 == nil || amount2.Sign() == 0 {
		return nil, ErrZeroDenominator
	}
	return MulDiv(amount1, Precision, amount2), nil
}

// MulDiv returns a * b / c truncated toward zero. c must be non-zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// ApplyRate returns amount * rate / RateDenominator
func ApplyRate(amount *big.Int, rate uint32) *big.Int {
	return MulDiv(amount, new(big.Int).SetUint64(uint64(rate)), rateDenominator)
}

// ApplyPercent returns amount * percent / PercentBase
func ApplyPercent(amount *big.Int, percent uint32) *big.Int {
	return MulDiv(amount, new(big.Int).SetUint64(uint64(percent)), percentBase)
}

// RateDenominatorInt returns a fresh copy of the rate denominator
func RateDenominatorInt() *big.Int {
	return new(big.Int).Set(rateDenominator)
}

// ToDecimal converts a fixed-point price to a decimal value
func ToDecimal(price *big.Int) decimal.Decimal {
	if price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(price, -PrecisionDecimals)
}

// FromDecimal converts a decimal value to a fixed-point price, truncating
// digits past the precision
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(PrecisionDecimals).Truncate(0).BigInt()
}

// Format renders a price with at most places decimal places
func Format(price *big.Int, places int32) string {
	return ToDecimal(price).Truncate(places).String()
}

// FormatAmount renders a token amount with the given number of token decimals
func FormatAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseAmount parses a human amount ("1.5") into base units with the given
// number of token decimals. Fractional digits beyond decimals are rejected.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("invalid amount: empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimal places", s, decimals)
	}
	return shifted.BigInt(), nil
}
