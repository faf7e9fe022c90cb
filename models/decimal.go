package models

import "github.com/shopspring/decimal"

// DecimalPrecision is the number of significant digits kept for every amount,
// price and PnL figure. Rounding is always half-up (away from zero).
const DecimalPrecision = 28

// AmountScale is the number of decimal places an order amount is rounded to
// before it is sent to the exchange (USDC and outcome tokens use 6 decimals).
const AmountScale = 6

// Quantize rounds d to DecimalPrecision significant digits, half-up.
func Quantize(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	digits := d.NumDigits()
	if digits <= DecimalPrecision {
		return d
	}
	intDigits := digits + int(d.Exponent())
	return d.Round(int32(DecimalPrecision - intDigits))
}

// Div divides a by b keeping DecimalPrecision significant digits.
// The caller must make sure b is not zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return Quantize(a.DivRound(b, DecimalPrecision))
}

// RoundAmount rounds an order amount to AmountScale decimals, half-up.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountScale)
}

// MustDecimal parses s and panics on malformed input. Only for constants and tests.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
