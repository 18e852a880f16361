// Package money holds fixed-point helpers for tuition amounts. All values are
// two-decimal currency amounts backed by shopspring/decimal.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of minor-unit digits used for every stored amount.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Normalize rounds an amount to the currency precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// IsCents reports whether d carries no more than two decimal places.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Places))
}

// Max0 clamps negative amounts to zero.
func Max0(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// ToCents converts a two-decimal amount into integer minor units.
func ToCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Truncate(0).IntPart()
}

// FromCents converts integer minor units back into an amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -Places)
}

// Split divides total into n parts whose sum equals total exactly. Leftover
// cents go one at a time to the leading parts.
func Split(total decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split into %d parts", n)
	}
	if total.IsNegative() {
		return nil, fmt.Errorf("split negative amount %s", total.StringFixed(Places))
	}
	if !IsCents(total) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", total.String(), Places)
	}

	cents := ToCents(total)
	base := cents / int64(n)
	remainder := cents % int64(n)

	parts := make([]decimal.Decimal, n)
	for i := range parts {
		share := base
		if int64(i) < remainder {
			share++
		}
		parts[i] = FromCents(share)
	}
	return parts, nil
}

// Sum adds up a list of amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Format renders an amount with thousands separators, e.g. 12,000.00.
func Format(d decimal.Decimal) string {
	fixed := d.StringFixed(Places)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac
}
