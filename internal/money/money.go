// Package money holds the fixed-point rules shared by pricing, barcodes and the ledger.
// Amounts carry three fractional digits and every derived value is rounded half away from zero.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const Scale = 3

var hundred = decimal.NewFromInt(100)

func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Percent returns amount × pct/100 rounded to Scale.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Mul(b))
}

func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Scale)
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	return decimal.Sum(decimal.Zero, values...)
}

func Parse(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if d.Exponent() < -Scale && !d.Equal(Round(d)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimals", raw, Scale)
	}
	return d, nil
}

func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func FromMinor(units int64) decimal.Decimal {
	return decimal.New(units, -Scale)
}

func ToMinor(d decimal.Decimal) int64 {
	return Round(d).Shift(Scale).IntPart()
}

func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

func ValidPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred)
}
