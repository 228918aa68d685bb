package billing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultCurrencyExponent is the number of minor units digits used for
// display when none is configured (cents).
const DefaultCurrencyExponent int32 = 2

// Amounts are int64 minor currency units everywhere inside the ledger.
// Decimal values only exist at the request and response boundary.

// Bounds on the decimal representation checked before any arithmetic.
// Comparing or rescaling a decimal costs time proportional to 10^|exponent|,
// and an int64 never needs more than 19 digits.
const (
	maxDecimalExponent = 18
	maxCoefficientBits = 128
)

// minorUnits converts an exact decimal into an int64 count of minor units.
// It reports false when the value has a fractional part or does not fit.
func minorUnits(d decimal.Decimal) (int64, bool) {
	coef := d.Coefficient()
	if coef.Sign() == 0 {
		return 0, true
	}
	if exp := d.Exponent(); exp > maxDecimalExponent || exp < -maxDecimalExponent {
		return 0, false
	}
	if coef.BitLen() > maxCoefficientBits {
		return 0, false
	}
	if !d.IsInteger() {
		return 0, false
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || d.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, false
	}
	return d.IntPart(), true
}

// decimalText renders a caller-supplied decimal for error messages and logs
// without expanding an out-of-range exponent into its full digit string.
func decimalText(d decimal.Decimal) string {
	coef := d.Coefficient()
	if coef.BitLen() > maxCoefficientBits {
		return fmt.Sprintf("<%d-bit number>", coef.BitLen())
	}
	if exp := d.Exponent(); exp > maxDecimalExponent || exp < -maxDecimalExponent {
		return fmt.Sprintf("%se%d", coef.String(), exp)
	}
	return d.String()
}

// mulMinor multiplies a unit cost by a quantity, reporting overflow.
func mulMinor(cost, qty int64) (int64, bool) {
	if cost == 0 || qty == 0 {
		return 0, true
	}
	product := cost * qty
	if product/qty != cost {
		return 0, false
	}
	return product, true
}

// addMinor adds two non-negative amounts, reporting overflow.
func addMinor(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// FormatMinor renders a minor-unit amount as a fixed-point string with the
// given number of fractional digits, e.g. FormatMinor(10050, 2) == "100.50".
func FormatMinor(amount int64, exponent int32) string {
	if exponent < 0 {
		exponent = 0
	}
	return decimal.New(amount, -exponent).StringFixed(exponent)
}
