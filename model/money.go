package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerPrecision is the fixed number of decimal places every monetary
// computation is rounded to. All chained arithmetic rounds at this point,
// which keeps thousands of daily accruals from drifting.
const LedgerPrecision = 8

// ErrDivisionByZero is returned by Div when the divisor is zero.
var ErrDivisionByZero = errors.New("division by zero")

// ToDecimal converts a numeric or string operand into a decimal value.
// Supported inputs are decimal.Decimal, string, float64, int, and int64.
func ToDecimal(v interface{}) (decimal.Decimal, error) {
	switch value := v.(type) {
	case decimal.Decimal:
		return value, nil
	case string:
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal operand %q: %w", value, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(value), nil
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal operand type %T", v)
	}
}

// MustDecimal is ToDecimal for operands known to be valid, such as literals.
func MustDecimal(v interface{}) decimal.Decimal {
	d, err := ToDecimal(v)
	if err != nil {
		panic(err)
	}
	return d
}

// RoundMoney rounds a value to the ledger precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(LedgerPrecision)
}

// Add returns a+b rounded to the ledger precision.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return RoundMoney(a.Add(b))
}

// Sub returns a-b rounded to the ledger precision.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return RoundMoney(a.Sub(b))
}

// Mul returns a*b rounded to the ledger precision.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return RoundMoney(a.Mul(b))
}

// Div returns a/b rounded to the ledger precision. It fails when b is zero.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return RoundMoney(a.DivRound(b, LedgerPrecision+2)), nil
}

// Percentage returns pct percent of value, rounded to the ledger precision.
func Percentage(value, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(value.Mul(pct).Div(decimal.NewFromInt(100)))
}

// Sum adds all values, rounding once per addition the same way a chain of
// Add calls would.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = Add(total, v)
	}
	return total
}

// MinMoney returns the smaller of a and b.
func MinMoney(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

// MaxMoney returns the larger of a and b.
func MaxMoney(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}

// MoneyString renders a value with the full ledger precision, e.g.
// "125.00000000". This is the canonical wire and storage format.
func MoneyString(d decimal.Decimal) string {
	return d.StringFixed(LedgerPrecision)
}
