// Package fixedpoint converts decimal monetary amounts to scaled integers.
// All balances, margins and P&L in the engine are int64 with 4 implied
// fractional digits; no float64 money value is ever persisted or compared.
package fixedpoint

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of implied fractional digits.
const Scale = 4

// Unit is the integer value of 1.0 at Scale.
const Unit int64 = 10_000

// FromFloat converts x to a scaled integer by formatting it with exactly
// Scale fractional digits and splicing the digits around the decimal point
// into one integer. FromFloat(12.34) == 123400, FromFloat(1) == 10000.
// Non-finite input yields 0.
//
// The conversion goes through the string representation on purpose: the
// wire format and the ledger were populated with values produced this way,
// and any arithmetic re-rounding would fork the two histories.
func FromFloat(x float64) int64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return FromDecimal(decimal.NewFromFloat(x))
}

// FromDecimal is FromFloat for exact decimal inputs. Composite monetary
// expressions (margin, pnl, loss capacity) are computed in decimal and
// scaled through here as the final step.
func FromDecimal(d decimal.Decimal) int64 {
	s := d.StringFixed(Scale)

	intPart, frac, found := strings.Cut(s, ".")
	if !found {
		frac = "0000"
	}
	if len(frac) > Scale {
		frac = frac[:Scale]
	}

	n, err := strconv.ParseInt(intPart+frac, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Decimal converts a scaled integer back to its decimal value.
func Decimal(v int64) decimal.Decimal {
	return decimal.New(v, -Scale)
}
